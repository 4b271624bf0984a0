// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package harbor

import (
	"fmt"
	"strings"
	"time"
)

// ServiceVersion is the Harbor service version.
const ServiceVersion = "0.1.0"

// Supported inbound channels.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelInstagram = "instagram"
	ChannelTwitter   = "twitter"
	ChannelFacebook  = "facebook"
	ChannelVoice     = "voice"
	ChannelSMS       = "sms"
	ChannelChat      = "chat"
)

var knownChannels = map[string]struct{}{
	ChannelWhatsApp:  {},
	ChannelInstagram: {},
	ChannelTwitter:   {},
	ChannelFacebook:  {},
	ChannelVoice:     {},
	ChannelSMS:       {},
	ChannelChat:      {},
}

// NormalizeChannel lowercases and validates an inbound channel name.
//
// An empty channel defaults to "chat"; an unknown one fails with
// ErrInvalidChannel.
func NormalizeChannel(channel string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return ChannelChat, nil
	}
	if _, ok := knownChannels[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return normalized, nil
}

// RegisterTenantRequest is the body for POST /v1/harbor/tenants.
type RegisterTenantRequest struct {
	// TenantID is the caller-chosen tenant identifier.
	TenantID string `json:"tenant_id" binding:"required,min=1,max=128"`

	// Name is the human-readable agent name.
	Name string `json:"name" binding:"required,min=1,max=256"`

	// BusinessType selects the character template.
	BusinessType string `json:"business_type,omitempty"`

	// Instructions override the template instructions when non-empty.
	Instructions string `json:"instructions,omitempty"`

	// Channels lists the channels this tenant serves.
	Channels []string `json:"channels,omitempty"`

	// Metadata carries engine-specific settings.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RegisterTenantResponse is the body returned by tenant admission.
type RegisterTenantResponse struct {
	// TenantID echoes the admitted tenant.
	TenantID string `json:"tenant_id"`

	// PoolID is the pool the tenant was placed in.
	PoolID string `json:"pool_id"`

	// AgentHandleID identifies the engine handle.
	AgentHandleID string `json:"agent_handle_id"`

	// Status is the tenant lifecycle state.
	Status string `json:"status"`

	// RegisteredAt is the admission timestamp.
	RegisteredAt time.Time `json:"registered_at"`

	// AlreadyRegistered is true when admission was an idempotent no-op.
	AlreadyRegistered bool `json:"already_registered"`
}

// RouteMessageRequest is the body for POST /v1/harbor/messages.
type RouteMessageRequest struct {
	// TenantID selects the tenant agent.
	TenantID string `json:"tenant_id" binding:"required,min=1,max=128"`

	// Message is the inbound user message.
	Message string `json:"message" binding:"required,min=1,max=8192"`

	// Channel is the inbound channel; empty defaults to "chat".
	Channel string `json:"channel,omitempty"`

	// UserID identifies the end user on that channel.
	UserID string `json:"user_id" binding:"required,min=1,max=256"`
}

// RouteMessageResponse is the body returned by message routing.
type RouteMessageResponse struct {
	// TenantID echoes the routed tenant.
	TenantID string `json:"tenant_id"`

	// PoolID is the pool that served the message, empty for recovered
	// responses that never reached a pool.
	PoolID string `json:"pool_id,omitempty"`

	// Channel is the normalized channel.
	Channel string `json:"channel"`

	// Response is the reply text.
	Response string `json:"response"`

	// Mode is "normal", "fallback", or "degraded".
	Mode string `json:"mode"`

	// Timestamp is when the reply was produced.
	Timestamp time.Time `json:"timestamp"`
}

// ConversationContext is the persisted tail of one user's conversation.
type ConversationContext struct {
	// TenantID identifies the tenant.
	TenantID string `json:"tenant_id"`

	// UserID identifies the end user.
	UserID string `json:"user_id"`

	// Channel is the last channel used.
	Channel string `json:"channel"`

	// LastMessage is the last inbound message.
	LastMessage string `json:"last_message"`

	// LastResponse is the last reply delivered.
	LastResponse string `json:"last_response"`

	// UpdatedAt is when the exchange happened.
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorResponse is the error envelope for all Harbor endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

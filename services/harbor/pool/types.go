// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
)

// TenantStatus tracks a tenant's lifecycle state.
type TenantStatus string

const (
	// TenantActive is a registered, routable tenant.
	TenantActive TenantStatus = "active"

	// TenantEvicted was removed by memory-pressure backpressure.
	TenantEvicted TenantStatus = "evicted"

	// TenantRemoved was removed by an explicit caller request.
	TenantRemoved TenantStatus = "removed"
)

// Tenant is one hosted agent instance and its bookkeeping.
//
// A tenant belongs to at most one pool at any instant; the engine handle is
// owned exclusively by that pool.
type Tenant struct {
	// ID is the caller-supplied tenant identifier.
	ID string `json:"id"`

	// Config is the opaque configuration blob from admission.
	Config engine.TenantConfig `json:"config"`

	// PoolID is the owning pool.
	PoolID string `json:"pool_id"`

	// Handle is the engine reference for this tenant.
	Handle engine.Handle `json:"handle"`

	// RegisteredAt is the admission timestamp.
	RegisteredAt time.Time `json:"registered_at"`

	// LastActivity is updated on every processed message.
	LastActivity time.Time `json:"last_activity"`

	// Status is the lifecycle state.
	Status TenantStatus `json:"status"`
}

// ResponseMode marks how a route response was produced.
type ResponseMode string

const (
	// ModeNormal is a reply straight from the execution engine.
	ModeNormal ResponseMode = "normal"

	// ModeFallback is a canned per-tenant apology from the recovery pipeline.
	ModeFallback ResponseMode = "fallback"

	// ModeDegraded is the limited-functionality response for low-severity
	// failures.
	ModeDegraded ResponseMode = "degraded"
)

// Registration is the result of tenant admission.
type Registration struct {
	// PoolID is the pool the tenant was placed in.
	PoolID string `json:"pool_id"`

	// TenantID echoes the admitted tenant.
	TenantID string `json:"tenant_id"`

	// AgentHandleID identifies the engine handle.
	AgentHandleID string `json:"agent_handle_id"`

	// Status is the tenant's lifecycle state.
	Status TenantStatus `json:"status"`

	// RegisteredAt is the admission timestamp.
	RegisteredAt time.Time `json:"registered_at"`

	// AlreadyRegistered is true when admission was an idempotent no-op.
	AlreadyRegistered bool `json:"already_registered"`
}

// RouteResult is the normalized outcome of routing one message.
type RouteResult struct {
	// PoolID is the pool that served the message.
	PoolID string `json:"pool_id"`

	// TenantID is the tenant the message was routed to.
	TenantID string `json:"tenant_id"`

	// Channel is the normalized inbound channel.
	Channel string `json:"channel"`

	// UserID identifies the end user on that channel.
	UserID string `json:"user_id"`

	// ResponseText is the reply to deliver.
	ResponseText string `json:"response_text"`

	// Timestamp is when the reply was produced.
	Timestamp time.Time `json:"timestamp"`

	// Mode records whether the reply is normal, fallback, or degraded.
	Mode ResponseMode `json:"mode"`
}

// Metrics is a snapshot of one pool's counters.
type Metrics struct {
	// PoolID identifies the pool.
	PoolID string `json:"pool_id"`

	// Capacity is the maximum tenant count.
	Capacity int `json:"capacity"`

	// TenantCount is the current tenant count.
	TenantCount int `json:"tenant_count"`

	// Messages is the total processed message count.
	Messages int64 `json:"messages"`

	// Errors is the total engine failure count.
	Errors int64 `json:"errors"`

	// AvgLatencyMS is the rolling average engine latency in milliseconds.
	AvgLatencyMS float64 `json:"avg_latency_ms"`

	// Evictions is the count of tenants evicted from this pool.
	Evictions int64 `json:"evictions"`
}

// SystemMetrics aggregates every pool's counters. Recomputed on read,
// never persisted independently.
type SystemMetrics struct {
	// TotalPools is the live pool count.
	TotalPools int `json:"total_pools"`

	// TotalTenants is the live tenant count across pools.
	TotalTenants int `json:"total_tenants"`

	// TotalMessages is the processed message count across pools.
	TotalMessages int64 `json:"total_messages"`

	// TotalErrors is the engine failure count across pools.
	TotalErrors int64 `json:"total_errors"`

	// AverageResponseTimeMS is the message-weighted mean latency.
	AverageResponseTimeMS float64 `json:"average_response_time_ms"`

	// Pools holds the per-pool snapshots.
	Pools []Metrics `json:"pools"`
}

// TenantActivity is the eviction-ordering view of one tenant.
type TenantActivity struct {
	// TenantID identifies the tenant.
	TenantID string

	// PoolID is the owning pool.
	PoolID string

	// LastActivity orders eviction candidates, oldest first.
	LastActivity time.Time
}

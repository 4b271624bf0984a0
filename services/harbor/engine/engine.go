// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the execution-engine contract for Aleutian Harbor.
//
// An execution engine turns a tenant configuration and an inbound message
// into a reply. Harbor never reaches into engine internals: pools own one
// opaque handle per tenant and call through this interface at the I/O
// boundary. Concrete engines are adapters (OpenAI-backed for production,
// static for tests and degraded mode).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Tenant Configuration
// =============================================================================

// TenantConfig is the opaque configuration blob supplied at admission.
//
// Harbor treats it as data: only the engine adapter interprets it when
// composing the agent persona. Unknown metadata keys are preserved.
type TenantConfig struct {
	// Name is the human-readable agent name.
	Name string `json:"name"`

	// BusinessType selects the character template (e.g. "microfinance",
	// "retail"). Unknown types fall back to the default template.
	BusinessType string `json:"business_type"`

	// Instructions override the template instructions when non-empty.
	Instructions string `json:"instructions,omitempty"`

	// Channels lists the channels this tenant serves.
	Channels []string `json:"channels,omitempty"`

	// Metadata carries adapter-specific settings (model name, temperature).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// Handles and Replies
// =============================================================================

// Handle is an opaque reference to a provisioned agent instance.
//
// A handle is owned exclusively by the pool that created it. It is valid
// until DestroyHandle is called or the owning pool shuts down.
type Handle struct {
	// ID uniquely identifies the handle within the engine.
	ID string `json:"id"`

	// TenantID is the tenant this handle was created for.
	TenantID string `json:"tenant_id"`

	// CreatedAt records when the engine provisioned the instance.
	CreatedAt time.Time `json:"created_at"`
}

// Reply is the normalized engine response for one message.
type Reply struct {
	// Text is the response text to deliver to the user.
	Text string `json:"text"`

	// Timestamp records when the engine produced the reply.
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// Engine Interface
// =============================================================================

// ExecutionEngine provisions agent instances and processes messages.
//
// # Description
//
// The required contract every concrete engine implements. All methods are
// I/O boundaries: they accept a context and must respect cancellation and
// deadlines. Failures are reported as *Error values carrying an explicit
// kind so callers never classify by sniffing message text.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ExecutionEngine interface {
	// CreateHandle provisions an agent instance for a tenant.
	CreateHandle(ctx context.Context, tenantID string, config TenantConfig) (Handle, error)

	// Process sends one message to the tenant's agent and returns the reply.
	Process(ctx context.Context, handle Handle, message, channel, userID string) (Reply, error)

	// DestroyHandle tears down the agent instance behind the handle.
	// Destroying an unknown handle is a no-op.
	DestroyHandle(ctx context.Context, handle Handle) error
}

// =============================================================================
// Tagged Errors
// =============================================================================

// ErrorKind classifies an engine failure at the throw site.
type ErrorKind int

const (
	// KindInternal is an unclassified engine failure.
	KindInternal ErrorKind = iota

	// KindTimeout means the engine call exceeded its deadline.
	KindTimeout

	// KindConnection means the engine backend was unreachable.
	KindConnection

	// KindValidation means the request or configuration was malformed.
	KindValidation

	// KindNotFound means the handle or model does not exist.
	KindNotFound

	// KindResource means the backend refused for quota or rate reasons.
	KindResource
)

// String returns a human-readable kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindResource:
		return "resource"
	default:
		return "internal"
	}
}

// ErrEngineFailure is the sentinel every engine error wraps, so callers can
// match the whole class with errors.Is.
var ErrEngineFailure = errors.New("execution engine failure")

// Error is a tagged engine failure.
//
// Adapters construct it at the point of failure with the kind already
// decided; nothing downstream inspects message strings.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind

	// TenantID is the tenant the failing call was for, when known.
	TenantID string

	// Err is the underlying cause.
	Err error
}

// NewError builds a tagged engine error.
func NewError(kind ErrorKind, tenantID string, err error) *Error {
	return &Error{Kind: kind, TenantID: tenantID, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine %s failure", e.Kind)
	}
	return fmt.Sprintf("engine %s failure: %v", e.Kind, e.Err)
}

// Unwrap exposes the cause chain and the ErrEngineFailure sentinel.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEngineFailure}
	}
	return []error{ErrEngineFailure, e.Err}
}

// KindOf extracts the classification from an error chain.
//
// Returns KindInternal, false when the chain contains no engine error.
func KindOf(err error) (ErrorKind, bool) {
	var engErr *Error
	if errors.As(err, &engErr) {
		return engErr.Kind, true
	}
	return KindInternal, false
}

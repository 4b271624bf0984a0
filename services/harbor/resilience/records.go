// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

// Severity ranks how bad a failure is for the platform.
type Severity string

const (
	// SeverityLow is a transient blip with no user-visible consequence.
	SeverityLow Severity = "low"

	// SeverityMedium is a per-request failure (bad input, missing handle).
	SeverityMedium Severity = "medium"

	// SeverityHigh is a failure that degrades a tenant (timeouts, quota).
	SeverityHigh Severity = "high"

	// SeverityCritical is a failure that threatens the platform (store or
	// backend unreachable).
	SeverityCritical Severity = "critical"
)

// ErrorRecord is one persisted failure, with the recovery actions taken.
type ErrorRecord struct {
	// ID is a generated uuid.
	ID string `json:"id"`

	// Timestamp is when the failure was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Severity is the classified severity.
	Severity Severity `json:"severity"`

	// TenantID is the tenant involved, when known.
	TenantID string `json:"tenant_id,omitempty"`

	// Channel is the inbound channel, when the failure came from routing.
	Channel string `json:"channel,omitempty"`

	// Operation names the failing operation ("route_message", "register").
	Operation string `json:"operation"`

	// Kind is the engine failure classification, when applicable.
	Kind string `json:"kind,omitempty"`

	// Message is the raw error text. Never shown to users unless the
	// debug flag is set.
	Message string `json:"message"`

	// Retries counts retry attempts made for this failure.
	Retries int `json:"retries"`

	// Actions lists the recovery steps taken, in order.
	Actions []string `json:"actions,omitempty"`

	// Resolved is true once recovery produced a usable outcome.
	Resolved bool `json:"resolved"`

	// ResolvedAt is when the record was resolved.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Recorder persists error records to the errors namespace.
//
// # Description
//
// Writes are best-effort: a failing store must never make error handling
// itself fail. Resolved records are re-written with the retention TTL so
// the store garbage-collects them; unresolved records stay until resolved
// or swept by retention on a later resolve.
//
// # Thread Safety
//
// Safe for concurrent use (the store provides the synchronization).
type Recorder struct {
	store     statestore.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewRecorder creates a recorder. A non-positive retention defaults to 24h.
func NewRecorder(store statestore.Store, retention time.Duration, logger *slog.Logger) *Recorder {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, retention: retention, logger: logger}
}

// NewRecord builds a record with a fresh id and timestamp.
func NewRecord(operation string, severity Severity, err error) *ErrorRecord {
	rec := &ErrorRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Operation: operation,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	return rec
}

// Record persists the record (best-effort).
func (r *Recorder) Record(ctx context.Context, rec *ErrorRecord) {
	if rec == nil {
		return
	}
	if err := statestore.PutJSON(ctx, r.store, statestore.NamespaceErrors, rec.ID, rec, 0); err != nil {
		r.logger.Debug("error record write failed", "record_id", rec.ID, "error", err)
	}
}

// Resolve marks the record resolved and rewrites it with the retention TTL.
func (r *Recorder) Resolve(ctx context.Context, rec *ErrorRecord) {
	if rec == nil {
		return
	}
	now := time.Now().UTC()
	rec.Resolved = true
	rec.ResolvedAt = &now
	if err := statestore.PutJSON(ctx, r.store, statestore.NamespaceErrors, rec.ID, rec, r.retention); err != nil {
		r.logger.Debug("error record resolve write failed", "record_id", rec.ID, "error", err)
	}
}

// Recent returns every persisted record, unresolved first is not guaranteed;
// callers sort as needed.
func (r *Recorder) Recent(ctx context.Context) ([]ErrorRecord, error) {
	entries, err := r.store.Scan(ctx, statestore.NamespaceErrors, nil)
	if err != nil {
		return nil, err
	}
	out := make([]ErrorRecord, 0, len(entries))
	for _, e := range entries {
		var rec ErrorRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			r.logger.Warn("skipping undecodable error record", "key", e.Key, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

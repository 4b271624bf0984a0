// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StaticEngine is an ExecutionEngine that answers from the character
// template without any backend.
//
// Used when no API key is configured (lightweight mode) and throughout the
// test suite. Replies echo the template name so routing behavior is
// observable.
type StaticEngine struct {
	mu      sync.RWMutex
	handles map[string]TenantConfig
}

// NewStaticEngine creates a backend-free engine.
func NewStaticEngine() *StaticEngine {
	return &StaticEngine{handles: make(map[string]TenantConfig)}
}

// CreateHandle records the tenant configuration and returns a handle.
func (e *StaticEngine) CreateHandle(_ context.Context, tenantID string, config TenantConfig) (Handle, error) {
	h := Handle{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}
	e.mu.Lock()
	e.handles[h.ID] = config
	e.mu.Unlock()
	return h, nil
}

// Process returns a canned reply derived from the tenant's template.
func (e *StaticEngine) Process(_ context.Context, handle Handle, message, channel, _ string) (Reply, error) {
	e.mu.RLock()
	config, ok := e.handles[handle.ID]
	e.mu.RUnlock()
	if !ok {
		return Reply{}, NewError(KindNotFound, handle.TenantID, fmt.Errorf("unknown handle %s", handle.ID))
	}

	tmpl := TemplateFor(config.BusinessType)
	return Reply{
		Text:      fmt.Sprintf("%s received your %s message: %q", tmpl.Name, channel, message),
		Timestamp: time.Now().UTC(),
	}, nil
}

// DestroyHandle forgets the handle. Unknown handles are a no-op.
func (e *StaticEngine) DestroyHandle(_ context.Context, handle Handle) error {
	e.mu.Lock()
	delete(e.handles, handle.ID)
	e.mu.Unlock()
	return nil
}

// HandleCount reports live handles, used by tests and the detailed health
// endpoint in lightweight mode.
func (e *StaticEngine) HandleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handles)
}

var _ ExecutionEngine = (*StaticEngine)(nil)

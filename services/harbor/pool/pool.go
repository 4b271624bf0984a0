// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool implements Harbor's bounded-capacity tenant shards and the
// manager that places tenants and routes messages across them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

// Pool is one bounded-capacity shard owning a set of tenants and their
// engine handles.
//
// # Description
//
// Admission (capacity check, handle creation, record persistence) runs as a
// single critical section under the pool mutex, so two concurrent
// registrations can never push the tenant count past capacity. Message
// processing holds the mutex only around map and counter access, never
// across the engine call.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	id       string
	capacity int
	engine   engine.ExecutionEngine
	store    statestore.Store
	logger   *slog.Logger

	mu       sync.Mutex
	tenants  map[string]*Tenant
	shutDown bool

	messages     int64
	errorCount   int64
	avgLatencyMS float64
	evictions    int64
}

// NewPool creates an empty pool.
//
// Inputs:
//
//	id - Pool identifier. Must not be empty.
//	capacity - Maximum tenant count. Must be positive.
//	eng - Execution engine for handle lifecycle.
//	store - State store for tenant records and metric snapshots.
//	logger - Structured logger. Nil falls back to slog.Default().
func NewPool(id string, capacity int, eng engine.ExecutionEngine, store statestore.Store, logger *slog.Logger) (*Pool, error) {
	if id == "" {
		return nil, errors.New("pool id must not be empty")
	}
	if capacity <= 0 {
		return nil, errors.New("pool capacity must be positive")
	}
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		id:       id,
		capacity: capacity,
		engine:   eng,
		store:    store,
		logger:   logger.With("pool_id", id),
		tenants:  make(map[string]*Tenant),
	}, nil
}

// ID returns the pool identifier.
func (p *Pool) ID() string { return p.id }

// Capacity returns the maximum tenant count.
func (p *Pool) Capacity() int { return p.capacity }

// TenantCount returns the current tenant count.
func (p *Pool) TenantCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tenants)
}

// HasCapacity reports whether one more tenant fits.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tenants) < p.capacity
}

// RegisterTenant admits a tenant into this pool.
//
// # Description
//
// Fails with ErrCapacityExceeded when the pool is full. Idempotent: an
// already-present tenant id returns its existing registration unchanged,
// without touching the engine or the configuration. The whole admission
// sequence (capacity check, engine handle creation, record persistence)
// is one critical section under the pool mutex.
//
// Outputs:
//
//	Registration - Admission result. AlreadyRegistered marks idempotent hits.
//	error - ErrCapacityExceeded, ErrPoolShutDown, or an engine error.
func (p *Pool) RegisterTenant(ctx context.Context, tenantID string, config engine.TenantConfig) (Registration, error) {
	if tenantID == "" {
		return Registration{}, errors.New("tenant id must not be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutDown {
		return Registration{}, ErrPoolShutDown
	}
	if existing, ok := p.tenants[tenantID]; ok {
		return registrationFor(existing, true), nil
	}
	if len(p.tenants) >= p.capacity {
		return Registration{}, fmt.Errorf("%w: pool %s at %d/%d", ErrCapacityExceeded, p.id, len(p.tenants), p.capacity)
	}

	handle, err := p.engine.CreateHandle(ctx, tenantID, config)
	if err != nil {
		return Registration{}, fmt.Errorf("create handle for tenant %s: %w", tenantID, err)
	}

	now := time.Now().UTC()
	tenant := &Tenant{
		ID:           tenantID,
		Config:       config,
		PoolID:       p.id,
		Handle:       handle,
		RegisteredAt: now,
		LastActivity: now,
		Status:       TenantActive,
	}

	// Record persistence is best-effort: an unavailable store degrades
	// durability, not admission. The mapping write in the manager is the
	// one that must fail the registration.
	if err := statestore.PutJSON(ctx, p.store, statestore.NamespaceTenants, tenantID, tenant, 0); err != nil {
		p.logger.Warn("tenant record write failed, continuing",
			"tenant_id", tenantID, "error", err)
	}

	p.tenants[tenantID] = tenant
	p.logger.Info("tenant registered",
		"tenant_id", tenantID, "tenants", len(p.tenants), "capacity", p.capacity)
	return registrationFor(tenant, false), nil
}

func registrationFor(t *Tenant, already bool) Registration {
	return Registration{
		PoolID:            t.PoolID,
		TenantID:          t.ID,
		AgentHandleID:     t.Handle.ID,
		Status:            t.Status,
		RegisteredAt:      t.RegisteredAt,
		AlreadyRegistered: already,
	}
}

// ProcessMessage invokes the engine for a registered tenant.
//
// # Description
//
// Fails with ErrNotRegistered when the tenant is absent; nothing mutates in
// that case. The engine call runs outside the pool lock. On engine failure
// the pool error count is incremented and the tagged engine error is
// re-raised unchanged — recovery belongs to the resilience layer, not here.
func (p *Pool) ProcessMessage(ctx context.Context, tenantID, message, channel, userID string) (RouteResult, error) {
	p.mu.Lock()
	if p.shutDown {
		p.mu.Unlock()
		return RouteResult{}, ErrPoolShutDown
	}
	tenant, ok := p.tenants[tenantID]
	if !ok {
		p.mu.Unlock()
		return RouteResult{}, fmt.Errorf("%w: tenant %s in pool %s", ErrNotRegistered, tenantID, p.id)
	}
	handle := tenant.Handle
	p.mu.Unlock()

	start := time.Now()
	reply, err := p.engine.Process(ctx, handle, message, channel, userID)
	elapsed := time.Since(start)

	if err != nil {
		p.recordError()
		return RouteResult{}, err
	}

	p.recordMessage(ctx, tenantID, elapsed)
	return RouteResult{
		PoolID:       p.id,
		TenantID:     tenantID,
		Channel:      channel,
		UserID:       userID,
		ResponseText: reply.Text,
		Timestamp:    reply.Timestamp,
		Mode:         ModeNormal,
	}, nil
}

// recordMessage updates counters, the rolling latency average, and the
// tenant's last-activity timestamp. The whole update happens under the
// lock so concurrent routes never interleave partial counter updates.
func (p *Pool) recordMessage(ctx context.Context, tenantID string, elapsed time.Duration) {
	p.mu.Lock()
	p.messages++
	sample := float64(elapsed.Microseconds()) / 1000.0
	p.avgLatencyMS += (sample - p.avgLatencyMS) / float64(p.messages)
	if current, ok := p.tenants[tenantID]; ok {
		current.LastActivity = time.Now().UTC()
	}
	snapshot := p.metricsLocked()
	p.mu.Unlock()

	// Metric snapshots are best-effort persistence.
	if err := statestore.PutJSON(ctx, p.store, statestore.NamespacePoolMetrics, p.id, snapshot, 0); err != nil {
		p.logger.Debug("pool metrics write failed", "error", err)
	}
}

func (p *Pool) recordError() {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
}

// RemoveTenant destroys the tenant's handle and clears its record.
//
// Never fails on a missing tenant. Handle destruction errors are logged,
// not returned: pool state is already consistent once the record is gone.
func (p *Pool) RemoveTenant(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	tenant, ok := p.tenants[tenantID]
	if ok {
		delete(p.tenants, tenantID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := p.engine.DestroyHandle(ctx, tenant.Handle); err != nil {
		p.logger.Warn("handle destruction failed",
			"tenant_id", tenantID, "handle_id", tenant.Handle.ID, "error", err)
	}
	if err := p.store.Remove(ctx, statestore.NamespaceTenants, tenantID); err != nil {
		p.logger.Warn("tenant record removal failed", "tenant_id", tenantID, "error", err)
	}
	p.logger.Info("tenant removed", "tenant_id", tenantID)
	return nil
}

// Evict removes a tenant under memory pressure and counts the eviction.
func (p *Pool) Evict(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	if _, ok := p.tenants[tenantID]; ok {
		p.evictions++
	}
	p.mu.Unlock()
	return p.RemoveTenant(ctx, tenantID)
}

// Shutdown tears down every tenant's handle and clears all pool state.
//
// Idempotent. Returns the first handle-destruction error after attempting
// all of them.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutDown {
		p.mu.Unlock()
		return nil
	}
	p.shutDown = true
	tenants := make([]*Tenant, 0, len(p.tenants))
	for _, t := range p.tenants {
		tenants = append(tenants, t)
	}
	p.tenants = make(map[string]*Tenant)
	p.mu.Unlock()

	var firstErr error
	for _, t := range tenants {
		if err := p.engine.DestroyHandle(ctx, t.Handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy handle for tenant %s: %w", t.ID, err)
		}
	}
	p.logger.Info("pool shut down", "tenants_torn_down", len(tenants))
	return firstErr
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsLocked()
}

func (p *Pool) metricsLocked() Metrics {
	return Metrics{
		PoolID:       p.id,
		Capacity:     p.capacity,
		TenantCount:  len(p.tenants),
		Messages:     p.messages,
		Errors:       p.errorCount,
		AvgLatencyMS: p.avgLatencyMS,
		Evictions:    p.evictions,
	}
}

// Tenants returns the activity view of every tenant, for eviction ordering.
func (p *Pool) Tenants() []TenantActivity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TenantActivity, 0, len(p.tenants))
	for _, t := range p.tenants {
		out = append(out, TenantActivity{
			TenantID:     t.ID,
			PoolID:       p.id,
			LastActivity: t.LastActivity,
		})
	}
	return out
}

// Tenant returns a copy of the tenant record, or false when absent.
func (p *Pool) Tenant(tenantID string) (Tenant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return Tenant{}, false
	}
	return *t, true
}

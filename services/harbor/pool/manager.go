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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

// ManagerConfig configures pool creation and placement.
type ManagerConfig struct {
	// DefaultPoolCapacity is the tenant capacity for auto-created pools.
	// Default: 50.
	DefaultPoolCapacity int

	// MaxPools bounds auto-creation. 0 disables the bound.
	// Default: 64.
	MaxPools int
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultPoolCapacity: 50,
		MaxPools:            64,
	}
}

// Manager creates and selects pools, assigns tenants, routes messages, and
// aggregates metrics.
//
// # Description
//
// Placement uses an incrementally maintained free-capacity index and an
// inverted tenant-to-pool map, so admission and routing are O(1) in the
// number of pools and tenants. No rebalancing of existing tenants is ever
// performed.
//
// # Thread Safety
//
// Safe for concurrent use. The manager mutex guards only the maps; per-pool
// admission serialization is the pool's own responsibility.
type Manager struct {
	config ManagerConfig
	engine engine.ExecutionEngine
	store  statestore.Store
	logger *slog.Logger

	mu         sync.RWMutex
	pools      map[string]*Pool
	free       map[string]struct{} // pool ids with spare capacity
	tenantPool map[string]string   // inverted tenant -> pool index
	inflight   map[string]struct{} // tenant ids with a registration underway
}

// NewManager creates an empty pool manager.
func NewManager(config ManagerConfig, eng engine.ExecutionEngine, store statestore.Store, logger *slog.Logger) (*Manager, error) {
	if eng == nil {
		return nil, errors.New("engine must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if config.DefaultPoolCapacity <= 0 {
		config.DefaultPoolCapacity = 50
	}
	if config.MaxPools < 0 {
		config.MaxPools = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:     config,
		engine:     eng,
		store:      store,
		logger:     logger,
		pools:      make(map[string]*Pool),
		free:       make(map[string]struct{}),
		tenantPool: make(map[string]string),
		inflight:   make(map[string]struct{}),
	}, nil
}

// CreatePool allocates a new pool with the configured default capacity.
//
// An empty id auto-generates one. Fails with ErrCapacityExceeded once the
// MaxPools bound is hit.
func (m *Manager) CreatePool(id string) (*Pool, error) {
	if id == "" {
		id = "pool-" + uuid.NewString()[:8]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPoolLocked(id)
}

func (m *Manager) createPoolLocked(id string) (*Pool, error) {
	if _, exists := m.pools[id]; exists {
		return nil, fmt.Errorf("pool %s already exists", id)
	}
	if m.config.MaxPools > 0 && len(m.pools) >= m.config.MaxPools {
		return nil, fmt.Errorf("%w: pool bound %d reached", ErrCapacityExceeded, m.config.MaxPools)
	}

	p, err := NewPool(id, m.config.DefaultPoolCapacity, m.engine, m.store, m.logger)
	if err != nil {
		return nil, err
	}
	m.pools[id] = p
	m.free[id] = struct{}{}
	m.logger.Info("pool created", "pool_id", id, "capacity", m.config.DefaultPoolCapacity, "pools", len(m.pools))
	return p, nil
}

// FindOrCreatePool returns a pool with spare capacity, creating one when
// none qualifies.
func (m *Manager) FindOrCreatePool() (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findOrCreatePoolLocked()
}

func (m *Manager) findOrCreatePoolLocked() (*Pool, error) {
	for id := range m.free {
		p := m.pools[id]
		if p.HasCapacity() {
			return p, nil
		}
		// Stale index entry; repair and keep looking.
		delete(m.free, id)
	}
	return m.createPoolLocked("pool-" + uuid.NewString()[:8])
}

// AssignTenant places a tenant in a pool and records the mapping.
//
// # Description
//
// Idempotent: a tenant that already maps to a pool gets its existing
// assignment back unchanged. Otherwise selects or creates a pool, registers
// the tenant there, and persists the tenant-to-pool mapping. A failed
// mapping write fails the whole registration: the handle is destroyed
// best-effort rather than left claiming a pool slot no mapping points to.
//
// Outputs:
//
//	Registration - The assignment, existing or new.
//	error - ErrCapacityExceeded, statestore.ErrStoreUnavailable, or an
//	        engine error.
func (m *Manager) AssignTenant(ctx context.Context, tenantID string, config engine.TenantConfig) (Registration, error) {
	if tenantID == "" {
		return Registration{}, errors.New("tenant id must not be empty")
	}

	// Fast idempotency path on the inverted index.
	if reg, ok := m.existingRegistration(tenantID); ok {
		return reg, nil
	}

	// Claim the tenant id so two concurrent registrations can never place
	// the same tenant in two pools.
	m.mu.Lock()
	if _, busy := m.inflight[tenantID]; busy {
		m.mu.Unlock()
		return Registration{}, fmt.Errorf("%w: %s", ErrRegistrationInProgress, tenantID)
	}
	m.inflight[tenantID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, tenantID)
		m.mu.Unlock()
	}()

	// Re-check under the claim: a racing registration may have finished
	// between the fast path and the claim.
	if reg, ok := m.existingRegistration(tenantID); ok {
		return reg, nil
	}

	// Pool admission can race with other registrations filling the chosen
	// pool between selection and registration; retry selection until a
	// registration sticks or pool creation itself is exhausted.
	for {
		p, err := m.FindOrCreatePool()
		if err != nil {
			return Registration{}, err
		}

		reg, err := p.RegisterTenant(ctx, tenantID, config)
		if errors.Is(err, ErrCapacityExceeded) {
			m.markFull(p.ID())
			continue
		}
		if err != nil {
			return Registration{}, err
		}
		if reg.AlreadyRegistered {
			return reg, nil
		}

		if err := m.commitAssignment(ctx, tenantID, p); err != nil {
			// Roll back the slot; the orphaned-handle window between engine
			// creation and this point is reconciled by eviction, not here.
			if rmErr := p.RemoveTenant(ctx, tenantID); rmErr != nil {
				m.logger.Error("rollback after mapping failure failed",
					"tenant_id", tenantID, "pool_id", p.ID(), "error", rmErr)
			}
			return Registration{}, err
		}
		return reg, nil
	}
}

// existingRegistration resolves the idempotent admission path.
func (m *Manager) existingRegistration(tenantID string) (Registration, bool) {
	m.mu.RLock()
	poolID, ok := m.tenantPool[tenantID]
	p := m.pools[poolID]
	m.mu.RUnlock()
	if !ok || p == nil {
		return Registration{}, false
	}
	t, ok := p.Tenant(tenantID)
	if !ok {
		return Registration{}, false
	}
	return registrationFor(&t, true), true
}

// commitAssignment persists the mapping and updates the indexes.
//
// The mapping write is the one store operation that must not degrade to
// best-effort: without it the tenant would hold a slot no route can reach.
func (m *Manager) commitAssignment(ctx context.Context, tenantID string, p *Pool) error {
	if err := statestore.PutJSON(ctx, m.store, statestore.NamespaceMapping, tenantID, p.ID(), 0); err != nil {
		return fmt.Errorf("persist tenant mapping: %w", err)
	}

	m.mu.Lock()
	m.tenantPool[tenantID] = p.ID()
	if !p.HasCapacity() {
		delete(m.free, p.ID())
	}
	m.mu.Unlock()
	return nil
}

// markFull drops a pool from the free-capacity index.
func (m *Manager) markFull(poolID string) {
	m.mu.Lock()
	delete(m.free, poolID)
	m.mu.Unlock()
}

// RouteMessage resolves the tenant's pool and delegates processing.
//
// Fails with ErrTenantNotAssigned when no mapping exists; no state mutates
// in that case.
func (m *Manager) RouteMessage(ctx context.Context, tenantID, message, channel, userID string) (RouteResult, error) {
	m.mu.RLock()
	poolID, ok := m.tenantPool[tenantID]
	p := m.pools[poolID]
	m.mu.RUnlock()

	if !ok || p == nil {
		return RouteResult{}, fmt.Errorf("%w: %s", ErrTenantNotAssigned, tenantID)
	}
	return p.ProcessMessage(ctx, tenantID, message, channel, userID)
}

// RemoveTenant removes the tenant from its pool and clears every namespace
// entry for the tenant id.
//
// # Description
//
// Fails with ErrTenantNotAssigned when no mapping exists. Namespace cleanup
// is composed, not transactional: each removal is attempted regardless of
// earlier failures so no orphaned keys survive a partially available store.
// The in-memory mapping is cleared first so routes stop immediately.
func (m *Manager) RemoveTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	poolID, ok := m.tenantPool[tenantID]
	p := m.pools[poolID]
	delete(m.tenantPool, tenantID)
	if p != nil {
		m.free[poolID] = struct{}{}
	}
	m.mu.Unlock()

	if !ok || p == nil {
		return fmt.Errorf("%w: %s", ErrTenantNotAssigned, tenantID)
	}

	if err := p.RemoveTenant(ctx, tenantID); err != nil {
		return err
	}
	m.clearTenantKeys(ctx, tenantID)
	return nil
}

// EvictTenant removes a tenant under memory pressure, counting the
// eviction on its pool.
func (m *Manager) EvictTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	poolID, ok := m.tenantPool[tenantID]
	p := m.pools[poolID]
	delete(m.tenantPool, tenantID)
	if p != nil {
		m.free[poolID] = struct{}{}
	}
	m.mu.Unlock()

	if !ok || p == nil {
		return nil
	}

	if err := p.Evict(ctx, tenantID); err != nil {
		return err
	}
	m.clearTenantKeys(ctx, tenantID)
	return nil
}

// clearTenantKeys removes every per-tenant store entry. Each namespace is
// attempted; failures are logged and do not stop the sweep.
func (m *Manager) clearTenantKeys(ctx context.Context, tenantID string) {
	for _, ns := range []string{
		statestore.NamespaceMapping,
		statestore.NamespaceTenants,
		statestore.NamespaceContext,
	} {
		if err := m.store.Remove(ctx, ns, tenantID); err != nil {
			m.logger.Warn("tenant key cleanup failed",
				"tenant_id", tenantID, "namespace", ns, "error", err)
		}
	}

	// Conversation context is keyed per tenant/user pair; sweep the prefix
	// so no per-user entries outlive the tenant.
	prefix := tenantID + ":"
	entries, err := m.store.Scan(ctx, statestore.NamespaceContext, func(key string, _ []byte) bool {
		return strings.HasPrefix(key, prefix)
	})
	if err != nil {
		m.logger.Warn("conversation context sweep failed",
			"tenant_id", tenantID, "error", err)
		return
	}
	for _, e := range entries {
		if err := m.store.Remove(ctx, statestore.NamespaceContext, e.Key); err != nil {
			m.logger.Warn("tenant key cleanup failed",
				"tenant_id", tenantID, "namespace", statestore.NamespaceContext,
				"key", e.Key, "error", err)
		}
	}
}

// PoolFor returns the pool id a tenant maps to.
func (m *Manager) PoolFor(tenantID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tenantPool[tenantID]
	return id, ok
}

// PoolCount returns the live pool count.
func (m *Manager) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// TenantCount returns the live tenant count across all pools.
func (m *Manager) TenantCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tenantPool)
}

// ProjectedPoolLoad returns the tenant count of the pool the next
// assignment would land in. A pending new pool projects as zero.
func (m *Manager) ProjectedPoolLoad() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.free {
		if p := m.pools[id]; p != nil && p.HasCapacity() {
			return p.TenantCount()
		}
	}
	return 0
}

// ActiveTenants returns the activity view of every tenant across pools.
func (m *Manager) ActiveTenants() []TenantActivity {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	var out []TenantActivity
	for _, p := range pools {
		out = append(out, p.Tenants()...)
	}
	return out
}

// SystemMetrics aggregates every pool's snapshot. Recomputed on read.
func (m *Manager) SystemMetrics() SystemMetrics {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	sys := SystemMetrics{Pools: make([]Metrics, 0, len(pools))}
	var weightedLatency float64
	for _, p := range pools {
		pm := p.Metrics()
		sys.Pools = append(sys.Pools, pm)
		sys.TotalPools++
		sys.TotalTenants += pm.TenantCount
		sys.TotalMessages += pm.Messages
		sys.TotalErrors += pm.Errors
		weightedLatency += pm.AvgLatencyMS * float64(pm.Messages)
	}
	if sys.TotalMessages > 0 {
		sys.AverageResponseTimeMS = weightedLatency / float64(sys.TotalMessages)
	}
	return sys
}

// PoolMetrics returns one pool's snapshot.
func (m *Manager) PoolMetrics(poolID string) (Metrics, error) {
	m.mu.RLock()
	p, ok := m.pools[poolID]
	m.mu.RUnlock()
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
	}
	return p.Metrics(), nil
}

// Shutdown tears down every pool concurrently and clears all indexes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.free = make(map[string]struct{})
	m.tenantPool = make(map[string]string)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error { return p.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pool teardown: %w", err)
	}
	m.logger.Info("pool manager shut down", "pools_torn_down", len(pools))
	return nil
}

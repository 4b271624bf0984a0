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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

func newTestManager(t *testing.T, poolCapacity, maxPools int) (*Manager, *statestore.MemoryStore) {
	t.Helper()
	store := statestore.NewMemoryStore()
	m, err := NewManager(ManagerConfig{
		DefaultPoolCapacity: poolCapacity,
		MaxPools:            maxPools,
	}, engine.NewStaticEngine(), store, nil)
	require.NoError(t, err)
	return m, store
}

func TestManager_AssignCreatesFirstPool(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2, 0)

	reg, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.PoolID)
	assert.False(t, reg.AlreadyRegistered)
	assert.Equal(t, 1, m.PoolCount())
	assert.Equal(t, 1, m.TenantCount())
}

func TestManager_AssignIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2, 0)

	first, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)

	second, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)
	assert.True(t, second.AlreadyRegistered)
	assert.Equal(t, first.PoolID, second.PoolID)
	assert.Equal(t, first.AgentHandleID, second.AgentHandleID)
	assert.Equal(t, 1, m.TenantCount())
}

func TestManager_OverflowCreatesSecondPool(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 1, 0)

	r1, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)
	r2, err := m.AssignTenant(ctx, "t2", engine.TenantConfig{})
	require.NoError(t, err)

	assert.NotEqual(t, r1.PoolID, r2.PoolID)
	assert.Equal(t, 2, m.PoolCount())
	assert.Equal(t, 2, m.TenantCount())
}

func TestManager_MaxPoolsBound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 1, 1)

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)

	_, err = m.AssignTenant(ctx, "t2", engine.TenantConfig{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, m.PoolCount())
	assert.Equal(t, 1, m.TenantCount())
}

func TestManager_RouteMessage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2, 0)

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{BusinessType: "retail"})
	require.NoError(t, err)

	result, err := m.RouteMessage(ctx, "t1", "hello", "whatsapp", "u1")
	require.NoError(t, err)
	assert.Equal(t, "t1", result.TenantID)
	assert.Equal(t, ModeNormal, result.Mode)
	assert.NotEmpty(t, result.ResponseText)
}

func TestManager_RouteMessage_UnknownTenant(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2, 0)

	_, err := m.RouteMessage(ctx, "ghost", "hello", "chat", "u1")
	assert.ErrorIs(t, err, ErrTenantNotAssigned)
}

func TestManager_RemoveTenantFreesCapacity(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 1, 1)

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)

	require.NoError(t, m.RemoveTenant(ctx, "t1"))
	assert.Equal(t, 0, m.TenantCount())

	// The freed slot admits the next tenant without a new pool.
	_, err = m.AssignTenant(ctx, "t2", engine.TenantConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.PoolCount())
}

func TestManager_RemoveTenantClearsStoreKeys(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 2, 0)

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)

	// Conversation context accumulates under the tenant's key prefix.
	require.NoError(t, store.Put(ctx, statestore.NamespaceContext, "t1:u1", []byte("{}"), 0))

	require.NoError(t, m.RemoveTenant(ctx, "t1"))

	_, err = store.Get(ctx, statestore.NamespaceMapping, "t1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	_, err = store.Get(ctx, statestore.NamespaceTenants, "t1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	_, err = store.Get(ctx, statestore.NamespaceContext, "t1:u1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestManager_RemoveTenant_Unknown(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2, 0)

	err := m.RemoveTenant(ctx, "ghost")
	assert.ErrorIs(t, err, ErrTenantNotAssigned)
}

func TestManager_EvictTenant(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 2, 0)

	reg, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, statestore.NamespaceContext, "t1:u1", []byte("{}"), 0))

	require.NoError(t, m.EvictTenant(ctx, "t1"))
	assert.Equal(t, 0, m.TenantCount())

	metrics, err := m.PoolMetrics(reg.PoolID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Evictions)

	// Eviction sweeps per-user conversation context like removal does.
	_, err = store.Get(ctx, statestore.NamespaceContext, "t1:u1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestManager_ActiveTenants(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 4, 0)

	for i := 0; i < 3; i++ {
		_, err := m.AssignTenant(ctx, fmt.Sprintf("t%d", i), engine.TenantConfig{})
		require.NoError(t, err)
	}

	active := m.ActiveTenants()
	assert.Len(t, active, 3)
	for _, a := range active {
		assert.False(t, a.LastActivity.IsZero())
	}
}

func TestManager_SystemMetricsAggregates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 1, 0)

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)
	_, err = m.AssignTenant(ctx, "t2", engine.TenantConfig{})
	require.NoError(t, err)

	_, err = m.RouteMessage(ctx, "t1", "hi", "chat", "u1")
	require.NoError(t, err)
	_, err = m.RouteMessage(ctx, "t2", "hi", "chat", "u2")
	require.NoError(t, err)

	sys := m.SystemMetrics()
	assert.Equal(t, 2, sys.TotalPools)
	assert.Equal(t, 2, sys.TotalTenants)
	assert.Equal(t, int64(2), sys.TotalMessages)
	assert.Equal(t, int64(0), sys.TotalErrors)
	assert.Len(t, sys.Pools, 2)
}

func TestManager_ProjectedPoolLoad(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 4, 0)

	// No pools yet: the next admission starts an empty pool.
	assert.Equal(t, 0, m.ProjectedPoolLoad())

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.ProjectedPoolLoad())
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2, 0)

	_, err := m.AssignTenant(ctx, "t1", engine.TenantConfig{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, 0, m.PoolCount())
	assert.Equal(t, 0, m.TenantCount())

	require.NoError(t, m.Shutdown(ctx))
}

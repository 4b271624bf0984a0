// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statestore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Shared conformance suite
// =============================================================================

// runStoreConformance exercises the Store contract against any backend.
func runStoreConformance(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceTenants, "t1", []byte("alpha"), 0))
		got, err := s.Get(ctx, NamespaceTenants, "t1")
		require.NoError(t, err)
		assert.Equal(t, []byte("alpha"), got)
	})

	t.Run("GetMissingKey", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.Get(ctx, NamespaceTenants, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceTenants, "k", []byte("tenant"), 0))
		require.NoError(t, s.Put(ctx, NamespaceMapping, "k", []byte("mapping"), 0))

		got, err := s.Get(ctx, NamespaceTenants, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("tenant"), got)

		got, err = s.Get(ctx, NamespaceMapping, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("mapping"), got)
	})

	t.Run("OverwriteReplacesValue", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceTenants, "k", []byte("v1"), 0))
		require.NoError(t, s.Put(ctx, NamespaceTenants, "k", []byte("v2"), 0))

		got, err := s.Get(ctx, NamespaceTenants, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("RemoveMissingIsNoOp", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		assert.NoError(t, s.Remove(ctx, NamespaceTenants, "never-existed"))
	})

	t.Run("RemoveDeletes", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceTenants, "k", []byte("v"), 0))
		require.NoError(t, s.Remove(ctx, NamespaceTenants, "k"))

		_, err := s.Get(ctx, NamespaceTenants, "k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ScanWithPredicate", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceErrors, "rec-1", []byte("a"), 0))
		require.NoError(t, s.Put(ctx, NamespaceErrors, "rec-2", []byte("b"), 0))
		require.NoError(t, s.Put(ctx, NamespaceErrors, "other", []byte("c"), 0))

		entries, err := s.Scan(ctx, NamespaceErrors, func(key string, _ []byte) bool {
			return strings.HasPrefix(key, "rec-")
		})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("ScanNilPredicateReturnsAll", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceContext, "a", []byte("1"), 0))
		require.NoError(t, s.Put(ctx, NamespaceContext, "b", []byte("2"), 0))

		entries, err := s.Scan(ctx, NamespaceContext, nil)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("ScanEmptyNamespace", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		entries, err := s.Scan(ctx, "nothing-here", nil)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("TTLExpires", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, NamespaceErrors, "short", []byte("v"), 50*time.Millisecond))
		time.Sleep(120 * time.Millisecond)

		_, err := s.Get(ctx, NamespaceErrors, "short")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ClosedStoreFails", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())

		err := s.Put(ctx, NamespaceTenants, "k", []byte("v"), 0)
		assert.Error(t, err)
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		type record struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		require.NoError(t, PutJSON(ctx, s, NamespaceTenants, "j", record{Name: "x", Count: 3}, 0))

		var got record
		require.NoError(t, GetJSON(ctx, s, NamespaceTenants, "j", &got))
		assert.Equal(t, record{Name: "x", Count: 3}, got)
	})
}

func TestMemoryStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestBadgerStore_Conformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		s, err := OpenBadger(BadgerConfig{InMemory: true})
		require.NoError(t, err)
		return s
	})
}

// =============================================================================
// MemoryStore specifics
// =============================================================================

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Put(ctx, NamespaceErrors, "expiring", []byte("v"), time.Minute))
	require.NoError(t, s.Put(ctx, NamespaceErrors, "forever", []byte("v"), 0))

	// Advance past the TTL.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.Get(ctx, NamespaceErrors, "forever")
	assert.NoError(t, err)
}

func TestMemoryStore_LazyExpiryOnGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Put(ctx, NamespaceTenants, "k", []byte("v"), time.Second))

	s.now = func() time.Time { return base.Add(2 * time.Second) }
	_, err := s.Get(ctx, NamespaceTenants, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// The stale entry is gone, not just hidden.
	entries, err := s.Scan(ctx, NamespaceTenants, nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// BadgerStore specifics
// =============================================================================

func TestBadgerStore_OpTimeout(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true, OpTimeout: time.Second})
	require.NoError(t, err)
	defer s.Close()

	// A cancelled caller context fails the point operation immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Put(ctx, NamespaceTenants, "k", []byte("v"), 0)
	assert.Error(t, err)
}

func TestBadgerStore_PersistsAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, NamespaceTenants, "k", []byte("v"), 0))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, NamespaceTenants, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

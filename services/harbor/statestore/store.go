// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statestore provides namespaced key/value persistence for Harbor.
//
// The store holds tenant records, the tenant-to-pool mapping, pool metrics,
// error records, and per-tenant conversation context, each in its own
// namespace. Two backends conform to the Store interface:
//
//   - MemoryStore: in-process map, O(1) point lookups, O(n) scans.
//   - BadgerStore: embedded BadgerDB with per-operation timeouts.
//
// There are no cross-namespace transactions. Callers compose multi-namespace
// writes and must tolerate partial failure.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Well-known namespaces. Namespaces are open-ended; these constants exist
// so call sites don't scatter string literals.
const (
	// NamespaceTenants holds tenant records keyed by tenant id.
	NamespaceTenants = "tenants"

	// NamespaceMapping holds the tenant-to-pool assignment keyed by tenant id.
	NamespaceMapping = "mapping"

	// NamespacePoolMetrics holds per-pool metric snapshots keyed by pool id.
	NamespacePoolMetrics = "poolmetrics"

	// NamespaceErrors holds captured error records keyed by record id.
	NamespaceErrors = "errors"

	// NamespaceContext holds per-tenant conversation context keyed by tenant id.
	NamespaceContext = "context"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the key does not exist in the namespace.
	ErrNotFound = errors.New("key not found")

	// ErrStoreUnavailable indicates the backend could not serve the request.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("state store closed")
)

// Entry is one key/value pair returned by Scan.
type Entry struct {
	// Key is the entry key within its namespace.
	Key string

	// Value is the stored bytes.
	Value []byte
}

// Store is the namespaced key/value contract.
//
// # Description
//
// Guarantees read-after-write within a single call path. Point operations
// are constant time on both backends; Scan is linear in namespace size and
// does not scale past tens of thousands of entries.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores value under namespace/key. A zero ttl means no expiry.
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error

	// Get returns the value for namespace/key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Remove deletes namespace/key. Removing a missing key is a no-op.
	Remove(ctx context.Context, namespace, key string) error

	// Scan returns every entry in the namespace accepted by the predicate.
	// A nil predicate accepts everything. O(n) in namespace size.
	Scan(ctx context.Context, namespace string, pred func(key string, value []byte) bool) ([]Entry, error)

	// PurgeExpired drops expired entries and reclaims space, returning the
	// number of entries removed where the backend can count them.
	PurgeExpired(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// PutJSON marshals v and stores it under namespace/key.
func PutJSON(ctx context.Context, s Store, namespace, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", namespace, key, err)
	}
	return s.Put(ctx, namespace, key, data, ttl)
}

// GetJSON loads namespace/key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, namespace, key string, v any) error {
	data, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", namespace, key, err)
	}
	return nil
}

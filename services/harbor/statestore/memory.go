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
	"sync"
	"time"
)

// MemoryStore is the in-process Store backend.
//
// # Description
//
// Backed by a two-level map (namespace, then key). Bounded only by process
// memory. Expired entries are dropped lazily on read and in bulk by
// PurgeExpired.
//
// # Thread Safety
//
// Safe for concurrent use; all state is guarded by a single RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	spaces map[string]map[string]memEntry
	closed bool

	// now is swappable for expiry tests.
	now func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		spaces: make(map[string]map[string]memEntry),
		now:    time.Now,
	}
}

// Put stores value under namespace/key.
func (s *MemoryStore) Put(_ context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	space, ok := s.spaces[namespace]
	if !ok {
		space = make(map[string]memEntry)
		s.spaces[namespace] = space
	}

	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	space[key] = entry
	return nil
}

// Get returns the value for namespace/key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	entry, ok := s.spaces[namespace][key]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(now) {
		// Lazy expiry: drop the stale entry before reporting not found.
		s.mu.Lock()
		if cur, still := s.spaces[namespace][key]; still && cur.expired(s.now()) {
			delete(s.spaces[namespace], key)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Remove deletes namespace/key. Missing keys are a no-op.
func (s *MemoryStore) Remove(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.spaces[namespace], key)
	return nil
}

// Scan returns every live entry in the namespace accepted by the predicate.
func (s *MemoryStore) Scan(ctx context.Context, namespace string, pred func(key string, value []byte) bool) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	now := s.now()
	var out []Entry
	for key, entry := range s.spaces[namespace] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.expired(now) {
			continue
		}
		if pred == nil || pred(key, entry.value) {
			out = append(out, Entry{Key: key, Value: append([]byte(nil), entry.value...)})
		}
	}
	return out, nil
}

// PurgeExpired drops every expired entry across all namespaces.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.now()
	purged := 0
	for _, space := range s.spaces {
		for key, entry := range space {
			if entry.expired(now) {
				delete(space, key)
				purged++
			}
		}
	}
	return purged, nil
}

// Close marks the store closed. Further operations fail with ErrStoreClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.spaces = make(map[string]map[string]memEntry)
	return nil
}

var _ Store = (*MemoryStore)(nil)

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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for the BadgerDB backend.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// OpTimeout bounds every point operation. The store fails the specific
	// request instead of blocking unrelated tenants when the backend stalls.
	// Default: 2 seconds.
	OpTimeout time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before value
	// log GC does any work. Default: 0.5.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		OpTimeout:      2 * time.Second,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:       true,
		SyncWrites:     false,
		OpTimeout:      2 * time.Second,
		GCDiscardRatio: 0.5,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the persistent Store backend.
//
// # Description
//
// Namespaces become key prefixes ("<namespace>/<key>"), TTLs use BadgerDB's
// native entry expiry, and every point operation runs under OpTimeout so a
// stalled compaction degrades one request rather than the whole process.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type BadgerStore struct {
	db        *badger.DB
	opTimeout time.Duration
	gcRatio   float64
}

// OpenBadger opens a BadgerStore with the given configuration.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.GCDiscardRatio <= 0 {
		cfg.GCDiscardRatio = 0.5
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db, opTimeout: cfg.OpTimeout, gcRatio: cfg.GCDiscardRatio}, nil
}

// badgerKey builds the physical key for a namespace entry.
func badgerKey(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

// run executes op bounded by the store timeout and the caller's context.
//
// BadgerDB transactions don't take a context, so the op runs on its own
// goroutine and the caller abandons it on timeout. An abandoned write may
// still land; callers already tolerate partial failure.
func (s *BadgerStore) run(ctx context.Context, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
	}
}

// Put stores value under namespace/key.
func (s *BadgerStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	return s.run(ctx, func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			entry := badger.NewEntry(badgerKey(namespace, key), value)
			if ttl > 0 {
				entry = entry.WithTTL(ttl)
			}
			return txn.SetEntry(entry)
		})
		if err != nil {
			return fmt.Errorf("%w: put %s/%s: %v", ErrStoreUnavailable, namespace, key, err)
		}
		return nil
	})
}

// Get returns the value for namespace/key, or ErrNotFound.
func (s *BadgerStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var out []byte
	err := s.run(ctx, func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(badgerKey(namespace, key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("%w: get %s/%s: %v", ErrStoreUnavailable, namespace, key, err)
			}
			out, err = item.ValueCopy(nil)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes namespace/key. Missing keys are a no-op.
func (s *BadgerStore) Remove(ctx context.Context, namespace, key string) error {
	return s.run(ctx, func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(badgerKey(namespace, key))
		})
		if err != nil {
			return fmt.Errorf("%w: remove %s/%s: %v", ErrStoreUnavailable, namespace, key, err)
		}
		return nil
	})
}

// Scan returns every entry in the namespace accepted by the predicate.
//
// Runs a prefix iteration; not bounded by OpTimeout since legitimate scans
// over large namespaces exceed point-op budgets. Honors ctx between items.
func (s *BadgerStore) Scan(ctx context.Context, namespace string, pred func(key string, value []byte) bool) ([]Entry, error) {
	prefix := []byte(namespace + "/")
	var out []Entry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), namespace+"/")
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("%w: scan %s: %v", ErrStoreUnavailable, namespace, err)
			}
			if pred == nil || pred(key, value) {
				out = append(out, Entry{Key: key, Value: value})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpired triggers value log garbage collection.
//
// BadgerDB expires TTL'd entries on its own; GC reclaims the value log
// space they held. Loops until BadgerDB reports nothing left to collect.
func (s *BadgerStore) PurgeExpired(ctx context.Context) (int, error) {
	rounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return rounds, err
		}
		err := s.db.RunValueLogGC(s.gcRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return rounds, nil
		}
		if err != nil {
			// In-memory mode has no value log; nothing to purge.
			if errors.Is(err, badger.ErrGCInMemoryMode) {
				return rounds, nil
			}
			return rounds, fmt.Errorf("%w: value log gc: %v", ErrStoreUnavailable, err)
		}
		rounds++
	}
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)

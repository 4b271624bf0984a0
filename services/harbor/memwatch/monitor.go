// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memwatch samples heap pressure on a ticker and relieves it by
// forcing garbage collection, purging expired store entries, and evicting
// the least recently active tenants.
package memwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/pool"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

// TenantEvictor is the slice of the pool manager the monitor needs.
type TenantEvictor interface {
	ActiveTenants() []pool.TenantActivity
	EvictTenant(ctx context.Context, tenantID string) error
	TenantCount() int
	ProjectedPoolLoad() int
}

// ErrAdmissionDenied indicates CanAdmit refused a new tenant.
var ErrAdmissionDenied = errors.New("admission denied by memory monitor")

// Config configures the memory monitor.
type Config struct {
	// Interval between heap samples. Default: 30 seconds.
	Interval time.Duration

	// WarningFraction of heap usage that triggers GC and a logged
	// recommendation. Default: 0.75.
	WarningFraction float64

	// CriticalFraction of heap usage that triggers the full relief
	// sequence (GC, purge, eviction). Default: 0.90.
	CriticalFraction float64

	// EvictionFraction of tenants removed per critical episode,
	// floor(total × fraction). Default: 0.20.
	EvictionFraction float64

	// MaxTenants is the hard admission ceiling across all pools.
	// 0 disables the ceiling.
	MaxTenants int

	// MaxProjectedPoolLoad caps the projected tenants-per-pool after one
	// more admission. 0 disables the ceiling.
	MaxProjectedPoolLoad int

	// OnEvict, when set, is called for every tenant the monitor evicts.
	OnEvict func(tenantID string)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		WarningFraction:  0.75,
		CriticalFraction: 0.90,
		EvictionFraction: 0.20,
	}
}

// Sample is one heap observation.
type Sample struct {
	// HeapUsed is bytes in use by live objects.
	HeapUsed uint64 `json:"heap_used"`

	// HeapTotal is bytes obtained from the OS for the heap.
	HeapTotal uint64 `json:"heap_total"`

	// UsedFraction is HeapUsed / HeapTotal.
	UsedFraction float64 `json:"used_fraction"`

	// Timestamp is when the sample was taken.
	Timestamp time.Time `json:"timestamp"`
}

// Monitor runs the sampling loop.
//
// # Description
//
// Each tick samples heap usage. At or above the critical fraction the
// monitor forces a GC, returns memory to the OS, purges expired store
// entries, and evicts floor(N × fraction) tenants ordered oldest activity
// first (tenant id breaks ties). Between warning and critical it forces a
// GC and logs. CanAdmit is the admission-path guard: it rejects while usage
// is critical or either configured ceiling would be crossed.
//
// # Thread Safety
//
// Safe for concurrent use. Start may be called once.
type Monitor struct {
	config  Config
	evictor TenantEvictor
	store   statestore.Store
	logger  *slog.Logger

	mu     sync.Mutex
	last   Sample
	cancel context.CancelFunc
	done   chan struct{}

	// readSample is swappable for pressure tests.
	readSample func() Sample
	// forceGC is swappable so tests don't thrash the collector.
	forceGC func()
}

// NewMonitor creates a monitor. Missing config fields get defaults.
func NewMonitor(config Config, evictor TenantEvictor, store statestore.Store, logger *slog.Logger) (*Monitor, error) {
	if evictor == nil {
		return nil, errors.New("evictor must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.WarningFraction <= 0 {
		config.WarningFraction = 0.75
	}
	if config.CriticalFraction <= 0 {
		config.CriticalFraction = 0.90
	}
	if config.EvictionFraction <= 0 {
		config.EvictionFraction = 0.20
	}
	if config.WarningFraction >= config.CriticalFraction {
		return nil, fmt.Errorf("warning fraction %.2f must be below critical %.2f",
			config.WarningFraction, config.CriticalFraction)
	}
	return &Monitor{
		config:     config,
		evictor:    evictor,
		store:      store,
		logger:     logger,
		readSample: readHeapSample,
		forceGC: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}, nil
}

func readHeapSample() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		Timestamp: time.Now().UTC(),
	}
	if s.HeapTotal > 0 {
		s.UsedFraction = float64(s.HeapUsed) / float64(s.HeapTotal)
	}
	return s
}

// Start launches the sampling loop. The loop stops when ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		m.logger.Info("memory monitor started",
			"interval", m.config.Interval,
			"warning_fraction", m.config.WarningFraction,
			"critical_fraction", m.config.CriticalFraction)
		for {
			select {
			case <-loopCtx.Done():
				m.logger.Info("memory monitor stopped")
				return
			case <-ticker.C:
				m.Check(loopCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current check to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Check runs one sampling pass. Exposed so the shutdown path and tests can
// run a pass without the ticker.
func (m *Monitor) Check(ctx context.Context) Sample {
	sample := m.readSample()
	m.mu.Lock()
	m.last = sample
	m.mu.Unlock()

	switch {
	case sample.UsedFraction >= m.config.CriticalFraction:
		m.logger.Warn("critical memory pressure",
			"used_fraction", sample.UsedFraction,
			"heap_used", sample.HeapUsed,
			"heap_total", sample.HeapTotal)
		m.relieve(ctx)
	case sample.UsedFraction >= m.config.WarningFraction:
		m.logger.Warn("elevated memory pressure, forcing GC",
			"used_fraction", sample.UsedFraction,
			"recommendation", "consider raising pool capacity limits or adding memory")
		m.forceGC()
	}
	return sample
}

// relieve runs the full critical-pressure sequence.
func (m *Monitor) relieve(ctx context.Context) {
	m.forceGC()

	if purged, err := m.store.PurgeExpired(ctx); err != nil {
		m.logger.Warn("store purge failed", "error", err)
	} else if purged > 0 {
		m.logger.Info("purged expired store entries", "count", purged)
	}

	evicted := m.evictOldest(ctx)
	if evicted > 0 {
		m.logger.Info("evicted tenants under memory pressure", "count", evicted)
	}
}

// evictOldest removes floor(N × fraction) tenants, oldest activity first.
func (m *Monitor) evictOldest(ctx context.Context) int {
	tenants := m.evictor.ActiveTenants()
	target := int(math.Floor(float64(len(tenants)) * m.config.EvictionFraction))
	if target == 0 {
		return 0
	}

	sort.Slice(tenants, func(i, j int) bool {
		if tenants[i].LastActivity.Equal(tenants[j].LastActivity) {
			return tenants[i].TenantID < tenants[j].TenantID
		}
		return tenants[i].LastActivity.Before(tenants[j].LastActivity)
	})

	evicted := 0
	for _, t := range tenants[:target] {
		if err := m.evictor.EvictTenant(ctx, t.TenantID); err != nil {
			m.logger.Warn("eviction failed", "tenant_id", t.TenantID, "error", err)
			continue
		}
		if m.config.OnEvict != nil {
			m.config.OnEvict(t.TenantID)
		}
		evicted++
	}
	return evicted
}

// CanAdmit reports whether one more tenant may be admitted right now.
//
// Outputs:
//
//	error - nil to admit; ErrAdmissionDenied (wrapped with the reason)
//	  otherwise.
func (m *Monitor) CanAdmit() error {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	// No sample yet means the loop hasn't run; sample inline so admission
	// decisions never run blind.
	if last.Timestamp.IsZero() {
		last = m.readSample()
	}

	if last.UsedFraction >= m.config.CriticalFraction {
		return fmt.Errorf("%w: heap usage %.0f%% at or above critical threshold",
			ErrAdmissionDenied, last.UsedFraction*100)
	}
	if m.config.MaxTenants > 0 && m.evictor.TenantCount() >= m.config.MaxTenants {
		return fmt.Errorf("%w: tenant ceiling %d reached",
			ErrAdmissionDenied, m.config.MaxTenants)
	}
	// ProjectedPoolLoad is the current count of the target pool, so at the
	// maximum the next admission would already exceed it.
	if m.config.MaxProjectedPoolLoad > 0 && m.evictor.ProjectedPoolLoad() >= m.config.MaxProjectedPoolLoad {
		return fmt.Errorf("%w: projected pool load would exceed %d",
			ErrAdmissionDenied, m.config.MaxProjectedPoolLoad)
	}
	return nil
}

// LastSample returns the most recent heap observation.
func (m *Monitor) LastSample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package shutdown drives the graceful teardown sequence: drain in-flight
// work, shut pools down, run cleanup hooks, and report a final health
// snapshot, all bounded by a hard timeout.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/health"
)

// Phase is the coordinator lifecycle state.
type Phase int

const (
	// PhaseRunning accepts work.
	PhaseRunning Phase = iota

	// PhaseDraining rejects new work while in-flight work completes.
	PhaseDraining

	// PhaseTerminated is the final state.
	PhaseTerminated
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrShutdownInProgress rejects new work during draining or after.
	ErrShutdownInProgress = errors.New("shutdown in progress")

	// ErrHardTimeout reports a force-terminated shutdown.
	ErrHardTimeout = errors.New("shutdown hard timeout exceeded")
)

// PoolCloser is the slice of the pool manager the coordinator drives.
type PoolCloser interface {
	Shutdown(ctx context.Context) error
}

// HealthSnapshotter provides the final health report.
type HealthSnapshotter interface {
	Evaluate() health.Report
}

// Config bounds the shutdown sequence.
type Config struct {
	// GracePeriod is how long to wait for in-flight work. Default: 30s.
	GracePeriod time.Duration

	// HardTimeout force-terminates the whole sequence. Default: 60s.
	HardTimeout time.Duration
}

// DefaultConfig returns the documented bounds.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 30 * time.Second,
		HardTimeout: 60 * time.Second,
	}
}

// Hook is one named cleanup step.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator owns the running → draining → terminated state machine.
//
// # Description
//
// Request paths call Acquire before doing work; once draining starts,
// Acquire fails fast with ErrShutdownInProgress. Shutdown is idempotent: a
// second trigger waits for the first sequence and returns its result. The
// hard timeout runs in parallel with the whole sequence and force-
// terminates it, whatever step it is stuck on.
//
// # Thread Safety
//
// Safe for concurrent use.
type Coordinator struct {
	config     Config
	pools      PoolCloser
	healthSnap HealthSnapshotter
	logger     *slog.Logger

	mu       sync.Mutex
	phase    Phase
	hooks    []Hook
	inflight sync.WaitGroup
	done     chan struct{}
	result   error
}

// NewCoordinator creates a coordinator in the running phase. The health
// snapshotter may be nil to skip the final report.
func NewCoordinator(cfg Config, pools PoolCloser, healthSnap HealthSnapshotter, logger *slog.Logger) (*Coordinator, error) {
	if pools == nil {
		return nil, errors.New("pool closer must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 60 * time.Second
	}
	return &Coordinator{
		config:     cfg,
		pools:      pools,
		healthSnap: healthSnap,
		logger:     logger,
		phase:      PhaseRunning,
		done:       make(chan struct{}),
	}, nil
}

// Phase returns the current lifecycle phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// OnCleanup registers a hook. Hooks run sequentially in registration order
// during shutdown; registration after draining starts is ignored.
func (c *Coordinator) OnCleanup(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseRunning {
		return
	}
	c.hooks = append(c.hooks, Hook{Name: name, Fn: fn})
}

// Acquire registers one in-flight operation.
//
// Outputs:
//
//	func() - Release; must be called exactly once when the work finishes.
//	error - ErrShutdownInProgress once draining has started.
func (c *Coordinator) Acquire() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseRunning {
		return nil, ErrShutdownInProgress
	}
	c.inflight.Add(1)
	var once sync.Once
	return func() { once.Do(c.inflight.Done) }, nil
}

// Shutdown runs the teardown sequence.
//
// Idempotent: a second trigger is a no-op that waits for the first run and
// returns its result. Returns ErrHardTimeout when the sequence had to be
// force-terminated.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseRunning {
		c.mu.Unlock()
		<-c.done
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	}
	c.phase = PhaseDraining
	hooks := c.hooks
	c.mu.Unlock()

	c.logger.Info("shutdown started", "grace_period", c.config.GracePeriod,
		"hard_timeout", c.config.HardTimeout)

	sequence := make(chan error, 1)
	go func() { sequence <- c.run(ctx, hooks) }()

	hard := time.NewTimer(c.config.HardTimeout)
	defer hard.Stop()

	var err error
	select {
	case err = <-sequence:
	case <-hard.C:
		c.logger.Error("hard timeout exceeded, force-terminating")
		err = ErrHardTimeout
	}

	c.mu.Lock()
	c.phase = PhaseTerminated
	c.result = err
	c.mu.Unlock()
	close(c.done)
	c.logger.Info("shutdown complete", "forced", errors.Is(err, ErrHardTimeout))
	return err
}

// run executes the drain, pool teardown, hooks, and final snapshot.
func (c *Coordinator) run(ctx context.Context, hooks []Hook) error {
	if c.waitInflight(c.config.GracePeriod) {
		c.logger.Info("in-flight work drained")
	} else {
		c.logger.Warn("grace period expired with work still in flight",
			"grace_period", c.config.GracePeriod)
	}

	var firstErr error
	if err := c.pools.Shutdown(ctx); err != nil {
		c.logger.Error("pool shutdown reported errors", "error", err)
		firstErr = err
	}

	for _, h := range hooks {
		if err := h.Fn(ctx); err != nil {
			// Hooks never abort the sequence.
			c.logger.Error("cleanup hook failed", "hook", h.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			c.logger.Info("cleanup hook finished", "hook", h.Name)
		}
	}

	if c.healthSnap != nil {
		report := c.healthSnap.Evaluate()
		c.logger.Info("final health snapshot",
			"status", report.Status, "pools", report.Pools, "tenants", report.Tenants)
	}
	return firstErr
}

// waitInflight waits for the in-flight group up to the given bound.
func (c *Coordinator) waitInflight(bound time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	timer := time.NewTimer(bound)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/health"
)

// fakePools counts Shutdown calls and can block until released.
type fakePools struct {
	mu       sync.Mutex
	calls    int
	err      error
	blockFor time.Duration
}

func (f *fakePools) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockFor > 0 {
		time.Sleep(f.blockFor)
	}
	return f.err
}

func (f *fakePools) shutdownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSnapshotter struct{ evaluated bool }

func (f *fakeSnapshotter) Evaluate() health.Report {
	f.evaluated = true
	return health.Report{Status: health.StatusHealthy, Pools: 1}
}

func newTestCoordinator(t *testing.T, cfg Config, pools PoolCloser) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(cfg, pools, nil, nil)
	require.NoError(t, err)
	return c
}

func fastConfig() Config {
	return Config{
		GracePeriod: 50 * time.Millisecond,
		HardTimeout: time.Second,
	}
}

func TestCoordinator_PhaseTransitions(t *testing.T) {
	pools := &fakePools{}
	c := newTestCoordinator(t, fastConfig(), pools)

	assert.Equal(t, PhaseRunning, c.Phase())

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, PhaseTerminated, c.Phase())
	assert.Equal(t, 1, pools.shutdownCalls())
}

func TestCoordinator_AcquireFailsWhileDraining(t *testing.T) {
	pools := &fakePools{blockFor: 100 * time.Millisecond}
	c := newTestCoordinator(t, fastConfig(), pools)

	release, err := c.Acquire()
	require.NoError(t, err)
	release()

	go c.Shutdown(context.Background())

	// Wait until the state machine leaves running.
	require.Eventually(t, func() bool {
		return c.Phase() != PhaseRunning
	}, time.Second, time.Millisecond)

	_, err = c.Acquire()
	assert.ErrorIs(t, err, ErrShutdownInProgress)
}

func TestCoordinator_WaitsForInflightWork(t *testing.T) {
	pools := &fakePools{}
	c := newTestCoordinator(t, Config{
		GracePeriod: time.Second,
		HardTimeout: 5 * time.Second,
	}, pools)

	release, err := c.Acquire()
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		c.Shutdown(context.Background())
		close(finished)
	}()

	// The sequence holds while work is in flight.
	select {
	case <-finished:
		t.Fatal("shutdown finished before in-flight work released")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never finished after release")
	}
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, fastConfig(), &fakePools{})

	release, err := c.Acquire()
	require.NoError(t, err)
	release()
	release()

	require.NoError(t, c.Shutdown(context.Background()))
}

func TestCoordinator_IdempotentShutdown(t *testing.T) {
	poolErr := errors.New("pool teardown: broken")
	pools := &fakePools{err: poolErr, blockFor: 50 * time.Millisecond}
	c := newTestCoordinator(t, fastConfig(), pools)

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	// One sequence ran; every caller saw its result.
	assert.Equal(t, 1, pools.shutdownCalls())
	for _, err := range results {
		assert.ErrorIs(t, err, poolErr)
	}
}

func TestCoordinator_HooksRunInOrder(t *testing.T) {
	pools := &fakePools{}
	c := newTestCoordinator(t, fastConfig(), pools)

	var order []string
	c.OnCleanup("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	c.OnCleanup("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCoordinator_FailingHookNeverAborts(t *testing.T) {
	pools := &fakePools{}
	c := newTestCoordinator(t, fastConfig(), pools)

	hookErr := errors.New("flush failed")
	ran := false
	c.OnCleanup("broken", func(ctx context.Context) error { return hookErr })
	c.OnCleanup("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, hookErr)
	assert.True(t, ran, "later hooks still run after a failure")
}

func TestCoordinator_OnCleanupIgnoredAfterDraining(t *testing.T) {
	pools := &fakePools{}
	c := newTestCoordinator(t, fastConfig(), pools)

	require.NoError(t, c.Shutdown(context.Background()))

	ran := false
	c.OnCleanup("late", func(ctx context.Context) error {
		ran = true
		return nil
	})

	// The sequence already finished; the late hook never runs.
	require.NoError(t, c.Shutdown(context.Background()))
	assert.False(t, ran)
}

func TestCoordinator_HardTimeout(t *testing.T) {
	pools := &fakePools{}
	c := newTestCoordinator(t, Config{
		GracePeriod: 10 * time.Millisecond,
		HardTimeout: 50 * time.Millisecond,
	}, pools)

	c.OnCleanup("stuck", func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrHardTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, PhaseTerminated, c.Phase())
}

func TestCoordinator_FinalHealthSnapshot(t *testing.T) {
	pools := &fakePools{}
	snap := &fakeSnapshotter{}
	c, err := NewCoordinator(fastConfig(), pools, snap, nil)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, snap.evaluated)
}

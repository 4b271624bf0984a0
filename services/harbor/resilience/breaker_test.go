// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(config BreakerConfig) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker("t1", config)
	clock := time.Now()
	cb.now = func() time.Time { return clock }
	return cb, &clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.Allow())
	}

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())

	// The run starts over.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreaker_FailureWindowRestartsCount(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
	})

	cb.RecordFailure()
	cb.RecordFailure()

	// A failure beyond the window is the start of a new run, not the third
	// of the old one.
	*clock = clock.Add(2 * time.Minute)
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.Failures())
}

func TestBreaker_CooldownAdmitsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
	})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	*clock = clock.Add(31 * time.Second)

	// First caller after the cooldown takes the trial slot.
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Everyone else is rejected until the trial resolves.
	assert.False(t, cb.Allow())
	assert.False(t, cb.Allow())
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
	})

	cb.RecordFailure()
	*clock = clock.Add(2 * time.Second)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.True(t, cb.Allow())
}

func TestBreaker_TrialFailureReopensAndResetsClock(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
	})

	cb.RecordFailure()
	*clock = clock.Add(31 * time.Second)
	require.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	// The cooldown clock restarted at the trial failure.
	*clock = clock.Add(29 * time.Second)
	assert.False(t, cb.Allow())

	*clock = clock.Add(2 * time.Second)
	assert.True(t, cb.Allow())
}

func TestBreaker_RejectingNeverClaimsTrial(t *testing.T) {
	cb, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
	})

	assert.False(t, cb.Rejecting())

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	assert.True(t, cb.Rejecting())

	// Cooldown elapsed: Rejecting stops refusing but leaves the circuit
	// open, so the trial slot stays available.
	*clock = clock.Add(31 * time.Second)
	assert.False(t, cb.Rejecting())
	assert.Equal(t, CircuitOpen, cb.State())

	// The trial goes to the first Allow caller; Rejecting refuses again
	// while it is in flight.
	require.True(t, cb.Allow())
	assert.True(t, cb.Rejecting())

	cb.RecordSuccess()
	assert.False(t, cb.Rejecting())
}

func TestBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.True(t, cb.Allow())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	transitions := make(chan CircuitState, 4)
	cb := NewCircuitBreaker("t1", BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(key string, from, to CircuitState) {
			transitions <- to
		},
	})

	cb.RecordFailure()

	select {
	case state := <-transitions:
		assert.Equal(t, CircuitOpen, state)
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1})

	// Peek never creates state.
	_, exists := r.Peek("tenant-a")
	assert.False(t, exists)

	a := r.Get("tenant-a")
	assert.Same(t, a, r.Get("tenant-a"))
	peeked, exists := r.Peek("tenant-a")
	assert.True(t, exists)
	assert.Same(t, a, peeked)

	b := r.Get("tenant-b")
	b.RecordFailure()

	states := r.States()
	assert.Equal(t, CircuitClosed, states["tenant-a"])
	assert.Equal(t, CircuitOpen, states["tenant-b"])
	assert.Equal(t, 1, r.OpenCount())

	r.Remove("tenant-b")
	assert.Equal(t, 0, r.OpenCount())

	// Removal forgets history; the next Get starts closed.
	assert.Equal(t, CircuitClosed, r.Get("tenant-b").State())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience wraps Harbor's externally reachable operations with
// circuit breaking, retry, fallback, and degraded-response recovery.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[trial success]◄── HALF_OPEN ◄──┘
//	                          [cooldown]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and calls are rejected.
	CircuitOpen

	// CircuitHalfOpen means exactly one trial call is allowed through.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	// Default: 5.
	FailureThreshold int

	// FailureWindow bounds how far apart consecutive failures may be and
	// still count toward the threshold. A failure older than the window
	// restarts the count. Default: 60 seconds.
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays open before allowing a single
	// half-open trial. Default: 30 seconds.
	Cooldown time.Duration

	// OnStateChange is called on transitions. Called asynchronously to
	// avoid blocking under the breaker lock.
	OnStateChange func(key string, from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker isolates one failing key (tenant or pool endpoint).
//
// # Description
//
// Closed counts consecutive failures inside the failure window; hitting the
// threshold opens the circuit. While open, Allow rejects until the cooldown
// elapses, then admits exactly one trial call in half-open. A trial success
// closes the circuit; a trial failure reopens it and restarts the cooldown
// clock.
//
// # Thread Safety
//
// Safe for concurrent use.
type CircuitBreaker struct {
	key    string
	config BreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool

	// now is swappable for transition tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(key string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 60 * time.Second
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		key:    key,
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed.
//
// While open, an elapsed cooldown transitions to half-open and admits the
// single trial; every other caller is rejected until the trial resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			cb.trialInFlight = true
			return true
		}
		return false

	case CircuitHalfOpen:
		// The one trial slot is taken; everyone else waits it out.
		if cb.trialInFlight {
			return false
		}
		cb.trialInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.failures = 0
		cb.trialInFlight = false
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case CircuitClosed:
		// Failures outside the window restart the consecutive count.
		if !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.config.FailureWindow {
			cb.failures = 0
		}
		cb.failures++
		cb.lastFailure = now
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Trial failure reopens and resets the cooldown clock.
		cb.failures++
		cb.lastFailure = now
		cb.openedAt = now
		cb.trialInFlight = false
		cb.transitionTo(CircuitOpen)
	case CircuitOpen:
		cb.lastFailure = now
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	old := cb.state
	cb.state = state
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.key, old, state)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejecting reports whether the circuit is currently refusing calls,
// without claiming the half-open trial slot.
//
// Gates that cannot guarantee a success-or-failure resolution (admission,
// where capacity errors are neutral outcomes) use this instead of Allow so
// the single trial stays reserved for the routing path.
func (cb *CircuitBreaker) Rejecting() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitOpen:
		return cb.now().Sub(cb.openedAt) < cb.config.Cooldown
	case CircuitHalfOpen:
		return cb.trialInFlight
	default:
		return false
	}
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the circuit to closed, clearing all counts.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.trialInFlight = false
	if old != CircuitClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.key, old, CircuitClosed)
	}
}

// BreakerRegistry manages circuit breakers keyed by tenant id or pool
// endpoint, creating them lazily on first use.
//
// # Thread Safety
//
// Safe for concurrent use.
type BreakerRegistry struct {
	defaultConfig BreakerConfig
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(defaultConfig BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a key, creating it if needed.
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring the write lock.
	if cb, exists = r.breakers[key]; exists {
		return cb
	}
	cb = NewCircuitBreaker(key, r.defaultConfig)
	r.breakers[key] = cb
	return cb
}

// Peek returns the breaker for a key without creating one.
func (r *BreakerRegistry) Peek(key string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, exists := r.breakers[key]
	return cb, exists
}

// Remove drops the breaker for a key, if any.
func (r *BreakerRegistry) Remove(key string) {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// States returns the current state of every breaker.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]CircuitState, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.State()
	}
	return out
}

// OpenCount returns how many breakers are currently not closed.
func (r *BreakerRegistry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, cb := range r.breakers {
		if cb.State() != CircuitClosed {
			n++
		}
	}
	return n
}

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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/pool"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

// ErrCircuitOpen indicates the tenant's circuit breaker is refusing calls.
var ErrCircuitOpen = errors.New("tenant circuit open")

// Router is the slice of the pool manager the handler wraps.
type Router interface {
	AssignTenant(ctx context.Context, tenantID string, config engine.TenantConfig) (pool.Registration, error)
	RouteMessage(ctx context.Context, tenantID, message, channel, userID string) (pool.RouteResult, error)
}

// HandlerConfig configures the error handler.
type HandlerConfig struct {
	// Breaker configures the per-tenant circuit breakers.
	Breaker BreakerConfig

	// MaxRetries bounds retry attempts for timeout-class failures.
	// Default: 2.
	MaxRetries int

	// RetryBackoff is the pause between retry attempts. Default: 200ms.
	RetryBackoff time.Duration

	// RecordRetention is how long resolved error records are kept.
	// Default: 24h.
	RecordRetention time.Duration

	// Debug exposes raw error detail in user-visible errors. Off in
	// production.
	Debug bool
}

// DefaultHandlerConfig returns sensible defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Breaker:         DefaultBreakerConfig(),
		MaxRetries:      2,
		RetryBackoff:    200 * time.Millisecond,
		RecordRetention: 24 * time.Hour,
	}
}

// Handler wraps the pool manager's externally reachable operations with the
// recovery pipeline.
//
// # Description
//
// The pipeline for routing failures runs in order: circuit breaker gate,
// bounded retry (timeout class only), tenant fallback (high/critical), and
// graceful degradation (low/medium). Every failure produces a persisted
// error record listing the actions taken. Admission and capacity errors
// bypass the pipeline and surface to the caller unchanged: retrying a full
// pool or a missing tenant cannot help.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handler struct {
	router   Router
	breakers *BreakerRegistry
	recorder *Recorder
	config   HandlerConfig
	logger   *slog.Logger

	// sleep is swappable so retry tests need no wall-clock waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHandler creates a handler around the given router.
func NewHandler(router Router, store statestore.Store, config HandlerConfig, logger *slog.Logger) (*Handler, error) {
	if router == nil {
		return nil, errors.New("router must not be nil")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 2
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 200 * time.Millisecond
	}
	return &Handler{
		router:   router,
		breakers: NewBreakerRegistry(config.Breaker),
		recorder: NewRecorder(store, config.RecordRetention, logger),
		config:   config,
		logger:   logger,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Breakers exposes the registry for health reporting and tests.
func (h *Handler) Breakers() *BreakerRegistry { return h.breakers }

// Records exposes the recorder for the metrics surface.
func (h *Handler) Records() *Recorder { return h.recorder }

// Classify maps an error chain to a severity.
//
// Store and connection failures threaten the platform; timeouts and quota
// refusals degrade a tenant; malformed input and missing resources are
// per-request problems.
func Classify(err error) Severity {
	if errors.Is(err, statestore.ErrStoreUnavailable) || errors.Is(err, statestore.ErrStoreClosed) {
		return SeverityCritical
	}
	if kind, ok := engine.KindOf(err); ok {
		switch kind {
		case engine.KindConnection:
			return SeverityCritical
		case engine.KindTimeout, engine.KindResource:
			return SeverityHigh
		case engine.KindValidation, engine.KindNotFound:
			return SeverityMedium
		default:
			return SeverityHigh
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SeverityHigh
	}
	return SeverityLow
}

// Register admits a tenant through the manager.
//
// A tenant whose circuit is refusing calls is rejected up front with
// ErrCircuitOpen; re-provisioning a failing tenant cannot succeed while its
// engine is isolated. Admission errors (capacity, registration in progress)
// surface unchanged. Engine failures are recorded, counted against the
// tenant's breaker, and returned as a sanitized error.
func (h *Handler) Register(ctx context.Context, tenantID string, config engine.TenantConfig) (pool.Registration, error) {
	if breaker, tracked := h.breakers.Peek(tenantID); tracked && breaker.Rejecting() {
		rec := NewRecord("register", SeverityHigh, errors.New("circuit open"))
		rec.TenantID = tenantID
		rec.Actions = append(rec.Actions, "circuit_rejected")
		h.recorder.Resolve(ctx, rec)
		h.logger.Warn("circuit open, refusing registration", "tenant_id", tenantID)
		return pool.Registration{}, fmt.Errorf("%w: %s", ErrCircuitOpen, tenantID)
	}

	reg, err := h.router.AssignTenant(ctx, tenantID, config)
	if err == nil {
		return reg, nil
	}
	if !errors.Is(err, engine.ErrEngineFailure) {
		return pool.Registration{}, err
	}

	h.breakers.Get(tenantID).RecordFailure()
	severity := Classify(err)
	rec := NewRecord("register", severity, err)
	rec.TenantID = tenantID
	if kind, ok := engine.KindOf(err); ok {
		rec.Kind = kind.String()
	}
	h.recorder.Record(ctx, rec)
	h.logger.Error("tenant registration failed",
		"tenant_id", tenantID, "severity", severity, "error", err)
	return pool.Registration{}, h.sanitize("agent provisioning failed", err)
}

// Route processes a message through the manager with the full recovery
// pipeline.
//
// Outputs:
//
//	RouteResult - Normal, fallback, or degraded response. Mode says which.
//	error - Only for failures the pipeline cannot absorb (unknown tenant,
//	  shutdown in progress, cancelled context).
func (h *Handler) Route(ctx context.Context, tenantID, message, channel, userID string) (pool.RouteResult, error) {
	// Breaker state materializes on first failure. A tenant with no history
	// carries none, so unknown ids never grow the registry.
	breaker, tracked := h.breakers.Peek(tenantID)

	if tracked && !breaker.Allow() {
		rec := NewRecord("route_message", SeverityHigh, errors.New("circuit open"))
		rec.TenantID = tenantID
		rec.Channel = channel
		rec.Actions = append(rec.Actions, "circuit_rejected", "fallback")
		h.recorder.Resolve(ctx, rec)
		h.logger.Warn("circuit open, serving fallback", "tenant_id", tenantID)
		return h.fallbackResult(tenantID, channel, userID), nil
	}

	res, err := h.router.RouteMessage(ctx, tenantID, message, channel, userID)
	if err == nil {
		if tracked {
			breaker.RecordSuccess()
		}
		return res, nil
	}

	// Only engine-class failures enter the pipeline. Unknown tenants,
	// shutdown, and cancellation surface to the caller, uncounted.
	if !errors.Is(err, engine.ErrEngineFailure) {
		return pool.RouteResult{}, err
	}
	if !tracked {
		breaker = h.breakers.Get(tenantID)
	}
	breaker.RecordFailure()

	severity := Classify(err)
	rec := NewRecord("route_message", severity, err)
	rec.TenantID = tenantID
	rec.Channel = channel
	if kind, ok := engine.KindOf(err); ok {
		rec.Kind = kind.String()
	}

	// Retry only failures that time can fix.
	if kind, ok := engine.KindOf(err); ok && kind == engine.KindTimeout {
		res, err = h.retry(ctx, breaker, rec, tenantID, message, channel, userID)
		if err == nil {
			rec.Actions = append(rec.Actions, "retry_succeeded")
			h.recorder.Resolve(ctx, rec)
			return res, nil
		}
		// A cancelled context or a non-engine failure mid-retry surfaces.
		if !errors.Is(err, engine.ErrEngineFailure) {
			h.recorder.Record(ctx, rec)
			return pool.RouteResult{}, err
		}
		severity = Classify(err)
		rec.Severity = severity
		rec.Message = err.Error()
	}

	switch severity {
	case SeverityLow, SeverityMedium:
		rec.Actions = append(rec.Actions, "degraded")
		h.recorder.Resolve(ctx, rec)
		h.logger.Warn("serving degraded response",
			"tenant_id", tenantID, "severity", severity, "error", err)
		return h.degradedResult(tenantID, channel, userID), nil
	default:
		rec.Actions = append(rec.Actions, "fallback")
		h.recorder.Resolve(ctx, rec)
		h.logger.Error("serving tenant fallback",
			"tenant_id", tenantID, "severity", severity, "error", err)
		return h.fallbackResult(tenantID, channel, userID), nil
	}
}

// retry re-runs the route with backoff, counting attempts on the record.
func (h *Handler) retry(ctx context.Context, breaker *CircuitBreaker, rec *ErrorRecord, tenantID, message, channel, userID string) (pool.RouteResult, error) {
	var lastErr error
	for attempt := 1; attempt <= h.config.MaxRetries; attempt++ {
		if err := h.sleep(ctx, h.config.RetryBackoff); err != nil {
			return pool.RouteResult{}, err
		}
		rec.Retries++
		rec.Actions = append(rec.Actions, fmt.Sprintf("retry_%d", attempt))

		res, err := h.router.RouteMessage(ctx, tenantID, message, channel, userID)
		if err == nil {
			breaker.RecordSuccess()
			return res, nil
		}
		breaker.RecordFailure()
		lastErr = err

		// A non-timeout failure changes class; stop burning attempts.
		if kind, ok := engine.KindOf(err); !ok || kind != engine.KindTimeout {
			break
		}
	}
	return pool.RouteResult{}, lastErr
}

// fallbackResult is the canned per-tenant apology.
func (h *Handler) fallbackResult(tenantID, channel, userID string) pool.RouteResult {
	return pool.RouteResult{
		TenantID:     tenantID,
		Channel:      channel,
		UserID:       userID,
		ResponseText: "We're sorry, we can't process your message right now. Please try again in a few minutes.",
		Timestamp:    time.Now().UTC(),
		Mode:         pool.ModeFallback,
	}
}

// degradedResult is the limited-functionality reply for minor failures.
func (h *Handler) degradedResult(tenantID, channel, userID string) pool.RouteResult {
	return pool.RouteResult{
		TenantID:     tenantID,
		Channel:      channel,
		UserID:       userID,
		ResponseText: "Our assistant is operating with limited functionality at the moment. A team member will follow up if needed.",
		Timestamp:    time.Now().UTC(),
		Mode:         pool.ModeDegraded,
	}
}

// sanitize wraps an internal error in a user-safe message. The raw cause is
// appended only when the debug flag is on; the engine failure class is kept
// either way so status mapping stays the same in production.
func (h *Handler) sanitize(public string, err error) error {
	if h.config.Debug {
		return fmt.Errorf("%s: %w", public, err)
	}
	return fmt.Errorf("%s: %w", public, engine.ErrEngineFailure)
}

// ForgetTenant drops the tenant's breaker after removal or eviction.
func (h *Handler) ForgetTenant(tenantID string) {
	h.breakers.Remove(tenantID)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package harbor composes the tenant admission and message routing platform:
// pools and their manager, the resilience pipeline, the memory monitor, the
// health aggregator, and the shutdown coordinator, behind one service facade.
package harbor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/config"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/health"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/memwatch"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/pool"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/resilience"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/shutdown"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/telemetry"
)

// Service is the Harbor facade. All externally reachable operations go
// through it: it owns in-flight tracking, admission guards, rate limiting,
// and conversation context persistence around the core components.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	cfg         config.Config
	store       statestore.Store
	engine      engine.ExecutionEngine
	manager     *pool.Manager
	handler     *resilience.Handler
	monitor     *memwatch.Monitor
	aggregator  *health.Aggregator
	coordinator *shutdown.Coordinator
	limiter     *tenantLimiter
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// NewService wires every Harbor component from the configuration.
//
// # Description
//
// Builds the store and engine selected by the config, then the manager,
// resilience handler, memory monitor, health aggregator, and shutdown
// coordinator on top. Cleanup hooks for the monitor and the store are
// registered with the coordinator; Start must be called to begin memory
// sampling.
//
// Outputs:
//
//	*Service - The wired service.
//	error - Non-nil when any component rejects its configuration.
func NewService(cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := buildStore(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("build state store: %w", err)
	}

	eng, err := buildEngine(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("build execution engine: %w", err)
	}

	manager, err := pool.NewManager(pool.ManagerConfig{
		DefaultPoolCapacity: cfg.Pools.DefaultCapacity,
		MaxPools:            cfg.Pools.MaxPools,
	}, eng, store, logger)
	if err != nil {
		return nil, fmt.Errorf("build pool manager: %w", err)
	}

	handler, err := resilience.NewHandler(manager, store, resilience.HandlerConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			FailureWindow:    time.Duration(cfg.Resilience.FailureWindowSeconds) * time.Second,
			Cooldown:         time.Duration(cfg.Resilience.CooldownSeconds) * time.Second,
		},
		MaxRetries:      cfg.Resilience.MaxRetries,
		RetryBackoff:    time.Duration(cfg.Resilience.RetryBackoffMS) * time.Millisecond,
		RecordRetention: time.Duration(cfg.Resilience.RecordRetentionHours) * time.Hour,
		Debug:           cfg.Server.DebugErrors,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build error handler: %w", err)
	}

	limiter := newTenantLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	svc := &Service{
		cfg:     cfg,
		store:   store,
		engine:  eng,
		manager: manager,
		handler: handler,
		limiter: limiter,
		logger:  logger,
	}

	monitor, err := memwatch.NewMonitor(memwatch.Config{
		Interval:             time.Duration(cfg.Memory.IntervalSeconds) * time.Second,
		WarningFraction:      cfg.Memory.WarningFraction,
		CriticalFraction:     cfg.Memory.CriticalFraction,
		EvictionFraction:     cfg.Memory.EvictionFraction,
		MaxTenants:           cfg.Memory.MaxTenants,
		MaxProjectedPoolLoad: cfg.Memory.MaxProjectedPoolLoad,
		OnEvict: func(tenantID string) {
			handler.ForgetTenant(tenantID)
			limiter.forget(tenantID)
			svc.countEviction()
		},
	}, manager, store, logger)
	if err != nil {
		return nil, fmt.Errorf("build memory monitor: %w", err)
	}
	svc.monitor = monitor

	aggregator, err := health.NewAggregator(health.Config{
		MemoryFraction:  cfg.Health.MemoryFraction,
		MaxAvgLatencyMS: cfg.Health.MaxAvgLatencyMS,
		MaxErrorRate:    cfg.Health.MaxErrorRate,
	}, manager, monitor, store, nil)
	if err != nil {
		return nil, fmt.Errorf("build health aggregator: %w", err)
	}
	svc.aggregator = aggregator

	coordinator, err := shutdown.NewCoordinator(shutdown.Config{
		GracePeriod: time.Duration(cfg.Shutdown.GracePeriodSeconds) * time.Second,
		HardTimeout: time.Duration(cfg.Shutdown.HardTimeoutSeconds) * time.Second,
	}, manager, aggregator, logger)
	if err != nil {
		return nil, fmt.Errorf("build shutdown coordinator: %w", err)
	}
	svc.coordinator = coordinator

	coordinator.OnCleanup("memory_monitor", func(context.Context) error {
		monitor.Stop()
		return nil
	})
	coordinator.OnCleanup("state_store", func(context.Context) error {
		return store.Close()
	})

	if err := svc.initMetrics(); err != nil {
		return nil, fmt.Errorf("init service metrics: %w", err)
	}
	return svc, nil
}

func buildStore(cfg config.StoreConfig, logger *slog.Logger) (statestore.Store, error) {
	switch cfg.Backend {
	case "badger":
		return statestore.OpenBadger(statestore.BadgerConfig{
			Path:       cfg.Path,
			InMemory:   cfg.InMemory,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
	default:
		return statestore.NewMemoryStore(), nil
	}
}

func buildEngine(cfg config.EngineConfig) (engine.ExecutionEngine, error) {
	switch cfg.Backend {
	case "static":
		return engine.NewStaticEngine(), nil
	default:
		return engine.NewOpenAIEngine()
	}
}

// initMetrics registers the service metric instruments and live gauges.
func (s *Service) initMetrics() error {
	meter := otel.Meter("harbor")
	m, err := telemetry.NewMetrics(meter)
	if err != nil {
		return err
	}
	_, err = m.RegisterObservables(meter,
		func() int64 { return int64(s.manager.PoolCount()) },
		func() int64 { return int64(s.manager.TenantCount()) },
		func() int64 { return int64(s.handler.Breakers().OpenCount()) },
		func() float64 { return s.monitor.LastSample().UsedFraction },
	)
	if err != nil {
		return err
	}
	s.metrics = m
	return nil
}

// Start launches the background memory monitor.
func (s *Service) Start(ctx context.Context) {
	s.monitor.Start(ctx)
	s.logger.Info("harbor service started",
		"store", s.cfg.Store.Backend, "engine", s.cfg.Engine.Backend)
}

// Metrics exposes the telemetry instruments for the HTTP middleware.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

// RegisterTenant admits a tenant onto the platform.
//
// # Description
//
// The admission path: in-flight tracking (fails fast during shutdown),
// memory-monitor admission guard, then placement through the resilience
// handler. Channels in the config are normalized before admission.
func (s *Service) RegisterTenant(ctx context.Context, req RegisterTenantRequest) (RegisterTenantResponse, error) {
	release, err := s.coordinator.Acquire()
	if err != nil {
		return RegisterTenantResponse{}, err
	}
	defer release()

	channels := make([]string, 0, len(req.Channels))
	for _, ch := range req.Channels {
		normalized, err := NormalizeChannel(ch)
		if err != nil {
			return RegisterTenantResponse{}, err
		}
		channels = append(channels, normalized)
	}

	if err := s.monitor.CanAdmit(); err != nil {
		return RegisterTenantResponse{}, err
	}

	reg, err := s.handler.Register(ctx, req.TenantID, engine.TenantConfig{
		Name:         req.Name,
		BusinessType: req.BusinessType,
		Instructions: req.Instructions,
		Channels:     channels,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return RegisterTenantResponse{}, err
	}

	if s.metrics != nil {
		s.metrics.TenantsRegisteredTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("already_registered", reg.AlreadyRegistered),
		))
	}
	return RegisterTenantResponse{
		TenantID:          reg.TenantID,
		PoolID:            reg.PoolID,
		AgentHandleID:     reg.AgentHandleID,
		Status:            string(reg.Status),
		RegisteredAt:      reg.RegisteredAt,
		AlreadyRegistered: reg.AlreadyRegistered,
	}, nil
}

// RouteMessage routes one user message to its tenant's agent.
//
// # Description
//
// The routing path: in-flight tracking, channel normalization, per-tenant
// rate limiting, then the resilience pipeline. After a successful exchange
// the conversation tail is persisted to the context namespace, best-effort.
func (s *Service) RouteMessage(ctx context.Context, req RouteMessageRequest) (RouteMessageResponse, error) {
	release, err := s.coordinator.Acquire()
	if err != nil {
		return RouteMessageResponse{}, err
	}
	defer release()

	channel, err := NormalizeChannel(req.Channel)
	if err != nil {
		return RouteMessageResponse{}, err
	}

	if !s.limiter.allow(req.TenantID) {
		if s.metrics != nil {
			s.metrics.RateLimitedTotal.Add(ctx, 1)
		}
		return RouteMessageResponse{}, fmt.Errorf("%w: tenant %s", ErrRateLimited, req.TenantID)
	}

	start := time.Now()
	result, err := s.handler.Route(ctx, req.TenantID, req.Message, channel, req.UserID)
	if err != nil {
		return RouteMessageResponse{}, err
	}

	s.persistContext(ctx, req, channel, result.ResponseText)

	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("mode", string(result.Mode)),
		)
		s.metrics.MessagesTotal.Add(ctx, 1, attrs)
		s.metrics.MessageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}

	return RouteMessageResponse{
		TenantID:  result.TenantID,
		PoolID:    result.PoolID,
		Channel:   channel,
		Response:  result.ResponseText,
		Mode:      string(result.Mode),
		Timestamp: result.Timestamp,
	}, nil
}

// persistContext saves the conversation tail. Failures degrade context
// continuity, never the route itself.
func (s *Service) persistContext(ctx context.Context, req RouteMessageRequest, channel, response string) {
	entry := ConversationContext{
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		Channel:      channel,
		LastMessage:  req.Message,
		LastResponse: response,
		UpdatedAt:    time.Now().UTC(),
	}
	key := req.TenantID + ":" + req.UserID
	if err := statestore.PutJSON(ctx, s.store, statestore.NamespaceContext, key, entry, 0); err != nil {
		s.logger.Debug("conversation context write failed", "key", key, "error", err)
	}
}

// Context returns the persisted conversation tail for a tenant/user pair.
func (s *Service) Context(ctx context.Context, tenantID, userID string) (ConversationContext, error) {
	var entry ConversationContext
	err := statestore.GetJSON(ctx, s.store, statestore.NamespaceContext, tenantID+":"+userID, &entry)
	return entry, err
}

// RemoveTenant removes a tenant from the platform.
func (s *Service) RemoveTenant(ctx context.Context, tenantID string) error {
	release, err := s.coordinator.Acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := s.manager.RemoveTenant(ctx, tenantID); err != nil {
		return err
	}
	s.handler.ForgetTenant(tenantID)
	s.limiter.forget(tenantID)
	if s.metrics != nil {
		s.metrics.TenantsRemovedTotal.Add(ctx, 1)
	}
	return nil
}

func (s *Service) countEviction() {
	if s.metrics != nil {
		s.metrics.TenantsEvictedTotal.Add(context.Background(), 1)
	}
}

// SystemMetrics aggregates every pool's counters.
func (s *Service) SystemMetrics() pool.SystemMetrics {
	return s.manager.SystemMetrics()
}

// PoolMetrics returns one pool's counters.
func (s *Service) PoolMetrics(poolID string) (pool.Metrics, error) {
	return s.manager.PoolMetrics(poolID)
}

// Health computes the aggregate health report.
func (s *Service) Health() health.Report {
	return s.aggregator.Evaluate()
}

// DetailedHealth computes the report plus dependency reachability.
func (s *Service) DetailedHealth(ctx context.Context) health.DetailedReport {
	return s.aggregator.Detailed(ctx)
}

// Ready reports whether the platform can take traffic.
func (s *Service) Ready() bool {
	return s.coordinator.Phase() == shutdown.PhaseRunning && s.aggregator.IsReady()
}

// ErrorRecords lists the persisted failure records.
func (s *Service) ErrorRecords(ctx context.Context) ([]resilience.ErrorRecord, error) {
	return s.handler.Records().Recent(ctx)
}

// Shutdown drives the graceful teardown sequence. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.coordinator.Shutdown(ctx)
}

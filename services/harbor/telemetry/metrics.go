// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the Harbor service.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for HTTP requests,
//	tenant lifecycle, message routing, and resilience events. All metrics
//	use the "harbor_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active HTTP requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Tenant Metrics ---

	// TenantsRegisteredTotal counts tenant admissions by status.
	TenantsRegisteredTotal metric.Int64Counter

	// TenantsRemovedTotal counts explicit tenant removals.
	TenantsRemovedTotal metric.Int64Counter

	// TenantsEvictedTotal counts memory-pressure evictions.
	TenantsEvictedTotal metric.Int64Counter

	// --- Routing Metrics ---

	// MessagesTotal counts routed messages by channel and response mode.
	MessagesTotal metric.Int64Counter

	// MessageDuration records end-to-end routing duration in seconds.
	MessageDuration metric.Float64Histogram

	// RateLimitedTotal counts routes rejected by the per-tenant limiter.
	RateLimitedTotal metric.Int64Counter

	// --- Resilience Metrics ---

	// ErrorsTotal counts recorded failures by severity and operation.
	ErrorsTotal metric.Int64Counter

	// OpenCircuits tracks circuit breakers currently not closed.
	OpenCircuits metric.Int64ObservableGauge

	// --- Platform Metrics ---

	// PoolCount tracks the live pool count.
	PoolCount metric.Int64ObservableGauge

	// TenantCount tracks the live tenant count.
	TenantCount metric.Int64ObservableGauge

	// HeapUsedFraction tracks the last sampled heap-used fraction.
	HeapUsedFraction metric.Float64ObservableGauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"harbor_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"harbor_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"harbor_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Tenant Metrics ---
	m.TenantsRegisteredTotal, err = meter.Int64Counter(
		"harbor_tenants_registered_total",
		metric.WithDescription("Total tenant admissions"),
		metric.WithUnit("{tenant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tenants_registered_total: %w", err)
	}

	m.TenantsRemovedTotal, err = meter.Int64Counter(
		"harbor_tenants_removed_total",
		metric.WithDescription("Total explicit tenant removals"),
		metric.WithUnit("{tenant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tenants_removed_total: %w", err)
	}

	m.TenantsEvictedTotal, err = meter.Int64Counter(
		"harbor_tenants_evicted_total",
		metric.WithDescription("Total memory-pressure evictions"),
		metric.WithUnit("{tenant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tenants_evicted_total: %w", err)
	}

	// --- Routing Metrics ---
	m.MessagesTotal, err = meter.Int64Counter(
		"harbor_messages_total",
		metric.WithDescription("Total routed messages"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages_total: %w", err)
	}

	m.MessageDuration, err = meter.Float64Histogram(
		"harbor_message_duration_seconds",
		metric.WithDescription("End-to-end message routing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("create message_duration: %w", err)
	}

	m.RateLimitedTotal, err = meter.Int64Counter(
		"harbor_rate_limited_total",
		metric.WithDescription("Routes rejected by the per-tenant rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate_limited_total: %w", err)
	}

	// --- Resilience Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"harbor_errors_total",
		metric.WithDescription("Total recorded failures by severity and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterObservables registers the gauges that read live platform state.
//
// Description:
//
//	Sets up observable gauges for pool count, tenant count, open circuit
//	count, and heap pressure. The callbacks run on every scrape.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	pools - Returns the live pool count.
//	tenants - Returns the live tenant count.
//	openCircuits - Returns the count of breakers not closed.
//	heapFraction - Returns the last sampled heap-used fraction.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterObservables(meter metric.Meter, pools, tenants, openCircuits func() int64, heapFraction func() float64) (metric.Registration, error) {
	var err error

	m.PoolCount, err = meter.Int64ObservableGauge(
		"harbor_pools",
		metric.WithDescription("Live pool count"),
		metric.WithUnit("{pool}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pools gauge: %w", err)
	}

	m.TenantCount, err = meter.Int64ObservableGauge(
		"harbor_tenants",
		metric.WithDescription("Live tenant count"),
		metric.WithUnit("{tenant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tenants gauge: %w", err)
	}

	m.OpenCircuits, err = meter.Int64ObservableGauge(
		"harbor_open_circuits",
		metric.WithDescription("Circuit breakers currently not closed"),
		metric.WithUnit("{circuit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create open_circuits gauge: %w", err)
	}

	m.HeapUsedFraction, err = meter.Float64ObservableGauge(
		"harbor_heap_used_fraction",
		metric.WithDescription("Last sampled heap-used fraction"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heap_used_fraction gauge: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.PoolCount, pools())
		o.ObserveInt64(m.TenantCount, tenants())
		o.ObserveInt64(m.OpenCircuits, openCircuits())
		o.ObserveFloat64(m.HeapUsedFraction, heapFraction())
		return nil
	}, m.PoolCount, m.TenantCount, m.OpenCircuits, m.HeapUsedFraction)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health derives a platform health status from pool metrics and
// heap pressure. Read-side only: nothing here mutates state.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/memwatch"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/pool"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

// Status is the aggregate health verdict.
type Status string

const (
	// StatusHealthy means every check passed.
	StatusHealthy Status = "healthy"

	// StatusDegraded means one or two checks breached.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means three checks breached or no pools exist.
	StatusUnhealthy Status = "unhealthy"
)

// Check is one threshold comparison in a report.
type Check struct {
	// Name identifies the check ("memory", "latency", "error_rate").
	Name string `json:"name"`

	// OK is true when the value is under the threshold.
	OK bool `json:"ok"`

	// Value is the observed value.
	Value float64 `json:"value"`

	// Threshold is the configured breach point.
	Threshold float64 `json:"threshold"`
}

// Report is one aggregate health evaluation.
type Report struct {
	// Status is the overall verdict.
	Status Status `json:"status"`

	// Checks holds the individual threshold results.
	Checks []Check `json:"checks"`

	// Pools is the live pool count.
	Pools int `json:"pools"`

	// Tenants is the live tenant count.
	Tenants int `json:"tenants"`

	// Timestamp is when the report was computed.
	Timestamp time.Time `json:"timestamp"`
}

// Dependency is one entry in the detailed health breakdown.
type Dependency struct {
	// Name identifies the dependency ("state_store", "engine").
	Name string `json:"name"`

	// OK is true when the dependency responded.
	OK bool `json:"ok"`

	// Detail carries the failure text when not OK.
	Detail string `json:"detail,omitempty"`
}

// DetailedReport extends Report with a dependency breakdown.
type DetailedReport struct {
	Report

	// Dependencies lists reachability of external pieces.
	Dependencies []Dependency `json:"dependencies"`

	// Memory is the most recent heap sample.
	Memory memwatch.Sample `json:"memory"`
}

// Config sets the three breach thresholds.
type Config struct {
	// MemoryFraction is the heap-used fraction above which the memory
	// check breaches. Default: 0.85.
	MemoryFraction float64

	// MaxAvgLatencyMS is the system average response time above which the
	// latency check breaches. Default: 5000.
	MaxAvgLatencyMS float64

	// MaxErrorRate is errors/(errors+messages) above which the error-rate
	// check breaches. Default: 0.10.
	MaxErrorRate float64
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() Config {
	return Config{
		MemoryFraction:  0.85,
		MaxAvgLatencyMS: 5000,
		MaxErrorRate:    0.10,
	}
}

// MetricsSource is the slice of the pool manager the aggregator reads.
type MetricsSource interface {
	SystemMetrics() pool.SystemMetrics
}

// MemorySource is the slice of the memory monitor the aggregator reads.
type MemorySource interface {
	LastSample() memwatch.Sample
}

// EngineProbe checks engine backend reachability for the detailed report.
type EngineProbe func(ctx context.Context) error

// Aggregator computes health reports.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state of its own.
type Aggregator struct {
	config  Config
	metrics MetricsSource
	memory  MemorySource
	store   statestore.Store
	probe   EngineProbe
}

// NewAggregator creates an aggregator. The store and probe are used only by
// Detailed; either may be nil to skip that dependency.
func NewAggregator(config Config, metrics MetricsSource, memory MemorySource, store statestore.Store, probe EngineProbe) (*Aggregator, error) {
	if metrics == nil {
		return nil, errors.New("metrics source must not be nil")
	}
	if memory == nil {
		return nil, errors.New("memory source must not be nil")
	}
	if config.MemoryFraction <= 0 {
		config.MemoryFraction = 0.85
	}
	if config.MaxAvgLatencyMS <= 0 {
		config.MaxAvgLatencyMS = 5000
	}
	if config.MaxErrorRate <= 0 {
		config.MaxErrorRate = 0.10
	}
	return &Aggregator{
		config:  config,
		metrics: metrics,
		memory:  memory,
		store:   store,
		probe:   probe,
	}, nil
}

// Evaluate computes the current report.
//
// Zero pools is unhealthy outright: a platform with nowhere to place a
// tenant is not serving, whatever the other numbers say.
func (a *Aggregator) Evaluate() Report {
	metrics := a.metrics.SystemMetrics()
	sample := a.memory.LastSample()

	var errorRate float64
	if total := metrics.TotalErrors + metrics.TotalMessages; total > 0 {
		errorRate = float64(metrics.TotalErrors) / float64(total)
	}

	checks := []Check{
		{
			Name:      "memory",
			OK:        sample.UsedFraction < a.config.MemoryFraction,
			Value:     sample.UsedFraction,
			Threshold: a.config.MemoryFraction,
		},
		{
			Name:      "latency",
			OK:        metrics.AverageResponseTimeMS < a.config.MaxAvgLatencyMS,
			Value:     metrics.AverageResponseTimeMS,
			Threshold: a.config.MaxAvgLatencyMS,
		},
		{
			Name:      "error_rate",
			OK:        errorRate < a.config.MaxErrorRate,
			Value:     errorRate,
			Threshold: a.config.MaxErrorRate,
		},
	}

	breaches := 0
	for _, c := range checks {
		if !c.OK {
			breaches++
		}
	}

	status := StatusHealthy
	switch {
	case metrics.TotalPools == 0 || breaches >= 3:
		status = StatusUnhealthy
	case breaches >= 1:
		status = StatusDegraded
	}

	return Report{
		Status:    status,
		Checks:    checks,
		Pools:     metrics.TotalPools,
		Tenants:   metrics.TotalTenants,
		Timestamp: time.Now().UTC(),
	}
}

// IsReady reports whether the platform can take traffic.
func (a *Aggregator) IsReady() bool {
	report := a.Evaluate()
	return report.Status != StatusUnhealthy && report.Pools >= 1
}

// Detailed computes the report plus dependency reachability.
func (a *Aggregator) Detailed(ctx context.Context) DetailedReport {
	out := DetailedReport{
		Report: a.Evaluate(),
		Memory: a.memory.LastSample(),
	}

	if a.store != nil {
		dep := Dependency{Name: "state_store", OK: true}
		// A missing probe key still proves the store answered.
		if _, err := a.store.Get(ctx, statestore.NamespacePoolMetrics, "health-probe"); err != nil && !errors.Is(err, statestore.ErrNotFound) {
			dep.OK = false
			dep.Detail = err.Error()
		}
		out.Dependencies = append(out.Dependencies, dep)
	}

	if a.probe != nil {
		dep := Dependency{Name: "engine", OK: true}
		if err := a.probe(ctx); err != nil {
			dep.OK = false
			dep.Detail = err.Error()
		}
		out.Dependencies = append(out.Dependencies, dep)
	}

	return out
}

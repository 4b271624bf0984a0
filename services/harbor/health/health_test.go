// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/memwatch"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/pool"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

type fakeMetrics struct{ metrics pool.SystemMetrics }

func (f fakeMetrics) SystemMetrics() pool.SystemMetrics { return f.metrics }

type fakeMemory struct{ sample memwatch.Sample }

func (f fakeMemory) LastSample() memwatch.Sample { return f.sample }

func newAggregator(t *testing.T, metrics pool.SystemMetrics, usedFraction float64) *Aggregator {
	t.Helper()
	a, err := NewAggregator(DefaultConfig(),
		fakeMetrics{metrics: metrics},
		fakeMemory{sample: memwatch.Sample{UsedFraction: usedFraction}},
		nil, nil)
	require.NoError(t, err)
	return a
}

func healthyMetrics() pool.SystemMetrics {
	return pool.SystemMetrics{
		TotalPools:            2,
		TotalTenants:          10,
		TotalMessages:         100,
		TotalErrors:           1,
		AverageResponseTimeMS: 120,
	}
}

func TestEvaluate_AllChecksPass(t *testing.T) {
	a := newAggregator(t, healthyMetrics(), 0.40)

	report := a.Evaluate()
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 3)
	for _, c := range report.Checks {
		assert.True(t, c.OK, c.Name)
	}
	assert.Equal(t, 2, report.Pools)
	assert.Equal(t, 10, report.Tenants)
}

func TestEvaluate_SingleBreachDegrades(t *testing.T) {
	metrics := healthyMetrics()
	metrics.AverageResponseTimeMS = 9000

	a := newAggregator(t, metrics, 0.40)
	report := a.Evaluate()
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestEvaluate_TwoBreachesStillDegraded(t *testing.T) {
	metrics := healthyMetrics()
	metrics.AverageResponseTimeMS = 9000

	a := newAggregator(t, metrics, 0.95)
	report := a.Evaluate()
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestEvaluate_ThreeBreachesUnhealthy(t *testing.T) {
	metrics := healthyMetrics()
	metrics.AverageResponseTimeMS = 9000
	metrics.TotalMessages = 10
	metrics.TotalErrors = 10

	a := newAggregator(t, metrics, 0.95)
	report := a.Evaluate()
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestEvaluate_ZeroPoolsIsUnhealthy(t *testing.T) {
	a := newAggregator(t, pool.SystemMetrics{}, 0.10)

	report := a.Evaluate()
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestEvaluate_ErrorRate(t *testing.T) {
	metrics := healthyMetrics()
	metrics.TotalMessages = 80
	metrics.TotalErrors = 20

	a := newAggregator(t, metrics, 0.40)
	report := a.Evaluate()

	var errorRate Check
	for _, c := range report.Checks {
		if c.Name == "error_rate" {
			errorRate = c
		}
	}
	assert.False(t, errorRate.OK)
	assert.InDelta(t, 0.20, errorRate.Value, 0.001)
}

func TestIsReady(t *testing.T) {
	assert.True(t, newAggregator(t, healthyMetrics(), 0.40).IsReady())
	assert.False(t, newAggregator(t, pool.SystemMetrics{}, 0.40).IsReady())
}

func TestDetailed_DependencyProbes(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	defer store.Close()

	a, err := NewAggregator(DefaultConfig(),
		fakeMetrics{metrics: healthyMetrics()},
		fakeMemory{sample: memwatch.Sample{UsedFraction: 0.40}},
		store,
		func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	report := a.Detailed(ctx)
	require.Len(t, report.Dependencies, 2)
	assert.True(t, report.Dependencies[0].OK, "missing probe key still proves the store answered")
	assert.True(t, report.Dependencies[1].OK)
}

func TestDetailed_FailingDependencies(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.Close())

	a, err := NewAggregator(DefaultConfig(),
		fakeMetrics{metrics: healthyMetrics()},
		fakeMemory{sample: memwatch.Sample{UsedFraction: 0.40}},
		store,
		func(ctx context.Context) error { return errors.New("engine unreachable") })
	require.NoError(t, err)

	report := a.Detailed(ctx)
	require.Len(t, report.Dependencies, 2)
	assert.False(t, report.Dependencies[0].OK)
	assert.False(t, report.Dependencies[1].OK)
	assert.Equal(t, "engine unreachable", report.Dependencies[1].Detail)
}

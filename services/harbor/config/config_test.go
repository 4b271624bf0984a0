// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "openai", cfg.Engine.Backend)
	assert.Equal(t, 50, cfg.Pools.DefaultCapacity)
	assert.Equal(t, 64, cfg.Pools.MaxPools)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 0.75, cfg.Memory.WarningFraction)
	assert.Equal(t, 0.90, cfg.Memory.CriticalFraction)
	assert.Equal(t, 0.20, cfg.Memory.EvictionFraction)
	assert.Equal(t, 30, cfg.Shutdown.GracePeriodSeconds)
	assert.Equal(t, 60, cfg.Shutdown.HardTimeoutSeconds)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"unknown engine backend", func(c *Config) { c.Engine.Backend = "llama" }},
		{"zero pool capacity", func(c *Config) { c.Pools.DefaultCapacity = 0 }},
		{"negative max pools", func(c *Config) { c.Pools.MaxPools = -1 }},
		{"zero failure threshold", func(c *Config) { c.Resilience.FailureThreshold = 0 }},
		{"excessive retries", func(c *Config) { c.Resilience.MaxRetries = 11 }},
		{"warning above critical", func(c *Config) {
			c.Memory.WarningFraction = 0.95
			c.Memory.CriticalFraction = 0.90
		}},
		{"warning equals critical", func(c *Config) {
			c.Memory.WarningFraction = 0.90
			c.Memory.CriticalFraction = 0.90
		}},
		{"eviction fraction above one", func(c *Config) { c.Memory.EvictionFraction = 1.5 }},
		{"memory fraction out of range", func(c *Config) { c.Health.MemoryFraction = 1.2 }},
		{"zero grace period", func(c *Config) { c.Shutdown.GracePeriodSeconds = 0 }},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"unknown exporter", func(c *Config) { c.Telemetry.MetricExporter = "graphite" }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
store:
  backend: badger
  path: /tmp/harbor-test
pools:
  default_capacity: 5
  max_pools: 2
memory:
  warning_fraction: 0.60
  critical_fraction: 0.80
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Pools.DefaultCapacity)
	assert.Equal(t, 2, cfg.Pools.MaxPools)
	assert.Equal(t, 0.60, cfg.Memory.WarningFraction)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HARBOR_PORT", "8200")
	t.Setenv("HARBOR_STORE_BACKEND", "badger")
	t.Setenv("HARBOR_ENGINE_BACKEND", "static")
	t.Setenv("HARBOR_DEBUG_ERRORS", "true")
	t.Setenv("HARBOR_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, "static", cfg.Engine.Backend)
	assert.True(t, cfg.Server.DebugErrors)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrideStillValidated(t *testing.T) {
	t.Setenv("HARBOR_STORE_BACKEND", "cassandra")

	_, err := Load("")
	assert.Error(t, err)
}

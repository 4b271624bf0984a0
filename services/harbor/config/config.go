// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the Harbor service configuration from
// a YAML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full Harbor service configuration.
//
// Every field has a documented default; a missing file yields a fully
// usable configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Engine     EngineConfig     `yaml:"engine"`
	Pools      PoolsConfig      `yaml:"pools"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Memory     MemoryConfig     `yaml:"memory"`
	Health     HealthConfig     `yaml:"health"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host to bind. Default: 0.0.0.0.
	Host string `yaml:"host"`

	// Port to listen on. Default: 8095.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// DebugErrors exposes raw error detail in responses. Off in production.
	DebugErrors bool `yaml:"debug_errors"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Backend is "memory" or "badger". Default: memory.
	Backend string `yaml:"backend" validate:"oneof=memory badger"`

	// Path is the badger data directory. Ignored for memory.
	Path string `yaml:"path"`

	// InMemory runs badger without disk persistence.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites makes badger fsync every write.
	SyncWrites bool `yaml:"sync_writes"`
}

// EngineConfig selects and configures the execution engine.
type EngineConfig struct {
	// Backend is "openai" or "static". Default: openai.
	Backend string `yaml:"backend" validate:"oneof=openai static"`

	// Model overrides the default model name for the openai backend.
	Model string `yaml:"model"`
}

// PoolsConfig bounds the pool fleet.
type PoolsConfig struct {
	// DefaultCapacity is tenants per pool. Default: 50.
	DefaultCapacity int `yaml:"default_capacity" validate:"gte=1"`

	// MaxPools bounds auto-creation; 0 is unbounded. Default: 64.
	MaxPools int `yaml:"max_pools" validate:"gte=0"`
}

// ResilienceConfig tunes the circuit breakers and the recovery pipeline.
type ResilienceConfig struct {
	// FailureThreshold is consecutive failures before a circuit opens.
	// Default: 5.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// FailureWindowSeconds bounds how far apart consecutive failures may
	// be. Default: 60.
	FailureWindowSeconds int `yaml:"failure_window_seconds" validate:"gte=1"`

	// CooldownSeconds is how long a circuit stays open. Default: 30.
	CooldownSeconds int `yaml:"cooldown_seconds" validate:"gte=1"`

	// MaxRetries bounds retries for timeout failures. Default: 2.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`

	// RetryBackoffMS is the pause between retries. Default: 200.
	RetryBackoffMS int `yaml:"retry_backoff_ms" validate:"gte=0"`

	// RecordRetentionHours keeps resolved error records. Default: 24.
	RecordRetentionHours int `yaml:"record_retention_hours" validate:"gte=1"`
}

// MemoryConfig tunes the memory monitor.
type MemoryConfig struct {
	// IntervalSeconds between heap samples. Default: 30.
	IntervalSeconds int `yaml:"interval_seconds" validate:"gte=1"`

	// WarningFraction triggers GC and a logged recommendation.
	// Default: 0.75. Must stay below CriticalFraction.
	WarningFraction float64 `yaml:"warning_fraction" validate:"gt=0,lt=1,ltfield=CriticalFraction"`

	// CriticalFraction triggers the full relief sequence. Default: 0.90.
	CriticalFraction float64 `yaml:"critical_fraction" validate:"gt=0,lt=1"`

	// EvictionFraction of tenants removed per critical episode.
	// Default: 0.20.
	EvictionFraction float64 `yaml:"eviction_fraction" validate:"gt=0,lte=1"`

	// MaxTenants is the hard admission ceiling; 0 disables it.
	MaxTenants int `yaml:"max_tenants" validate:"gte=0"`

	// MaxProjectedPoolLoad caps projected tenants-per-pool on admission;
	// 0 disables it.
	MaxProjectedPoolLoad int `yaml:"max_projected_pool_load" validate:"gte=0"`
}

// HealthConfig sets the aggregate health thresholds.
type HealthConfig struct {
	// MemoryFraction breach point for the memory check. Default: 0.85.
	MemoryFraction float64 `yaml:"memory_fraction" validate:"gt=0,lt=1"`

	// MaxAvgLatencyMS breach point for the latency check. Default: 5000.
	MaxAvgLatencyMS float64 `yaml:"max_avg_latency_ms" validate:"gt=0"`

	// MaxErrorRate breach point for the error-rate check. Default: 0.10.
	MaxErrorRate float64 `yaml:"max_error_rate" validate:"gt=0,lt=1"`
}

// ShutdownConfig bounds graceful teardown.
type ShutdownConfig struct {
	// GracePeriodSeconds waits for in-flight work. Default: 30.
	GracePeriodSeconds int `yaml:"grace_period_seconds" validate:"gte=1"`

	// HardTimeoutSeconds force-terminates the sequence. Default: 60.
	HardTimeoutSeconds int `yaml:"hard_timeout_seconds" validate:"gte=1"`
}

// RateLimitConfig is the per-tenant routing token bucket.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate; 0 disables limiting.
	// Default: 60.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`

	// Burst is the bucket size. Default: 10.
	Burst int `yaml:"burst" validate:"gte=1"`
}

// TelemetryConfig selects the metric exporter.
type TelemetryConfig struct {
	// MetricExporter is "prometheus", "stdout", or "none".
	// Default: prometheus.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error". Default: info.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is "json" or "text". Default: json.
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8095},
		Store:  StoreConfig{Backend: "memory", Path: "data/harbor"},
		Engine: EngineConfig{Backend: "openai"},
		Pools:  PoolsConfig{DefaultCapacity: 50, MaxPools: 64},
		Resilience: ResilienceConfig{
			FailureThreshold:     5,
			FailureWindowSeconds: 60,
			CooldownSeconds:      30,
			MaxRetries:           2,
			RetryBackoffMS:       200,
			RecordRetentionHours: 24,
		},
		Memory: MemoryConfig{
			IntervalSeconds:  30,
			WarningFraction:  0.75,
			CriticalFraction: 0.90,
			EvictionFraction: 0.20,
		},
		Health: HealthConfig{
			MemoryFraction:  0.85,
			MaxAvgLatencyMS: 5000,
			MaxErrorRate:    0.10,
		},
		Shutdown: ShutdownConfig{
			GracePeriodSeconds: 30,
			HardTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 10},
		Telemetry: TelemetryConfig{MetricExporter: "prometheus"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file, applies environment overrides, and validates.
//
// # Description
//
// A missing file is not an error: defaults apply. Environment overrides:
//
//   - HARBOR_PORT: server port
//   - HARBOR_STORE_BACKEND: store backend
//   - HARBOR_ENGINE_BACKEND: engine backend
//   - HARBOR_DEBUG_ERRORS: "true" exposes raw error detail
//   - HARBOR_LOG_LEVEL: log level
//
// Outputs:
//
//	Config - The merged, validated configuration.
//	error - Non-nil on unreadable file, bad YAML, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HARBOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HARBOR_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("HARBOR_ENGINE_BACKEND"); v != "" {
		cfg.Engine.Backend = v
	}
	if v := os.Getenv("HARBOR_DEBUG_ERRORS"); v != "" {
		cfg.Server.DebugErrors = v == "true" || v == "1"
	}
	if v := os.Getenv("HARBOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

var validate = validator.New()

// Validate checks every tagged constraint, including the cross-field rule
// that the warning fraction stays below critical.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

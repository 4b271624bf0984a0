// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command harbor starts the Aleutian Harbor API server.
//
// Aleutian Harbor hosts multi-tenant conversational agents:
//   - Bounded-capacity pools with O(1) placement
//   - Circuit breaking, retry, and fallback around the execution engine
//   - Memory-pressure-driven tenant eviction
//   - Graceful shutdown with a hard timeout
//
// Usage:
//
//	go run ./cmd/harbor
//	go run ./cmd/harbor -port 9090 -config harbor.yaml
//
// With the OpenAI engine:
//
//	OPENAI_API_KEY=sk-... go run ./cmd/harbor
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8095/v1/harbor/health
//
//	# Register a tenant
//	curl -X POST http://localhost:8095/v1/harbor/tenants \
//	  -H "Content-Type: application/json" \
//	  -d '{"tenant_id": "acme", "name": "Acme Support", "business_type": "retail"}'
//
//	# Route a message
//	curl -X POST http://localhost:8095/v1/harbor/messages \
//	  -H "Content-Type: application/json" \
//	  -d '{"tenant_id": "acme", "message": "store hours?", "channel": "whatsapp", "user_id": "u1"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianHarbor/pkg/logging"
	"github.com/AleutianAI/AleutianHarbor/services/harbor"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/config"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/telemetry"
)

func main() {
	configPath := flag.String("config", "harbor.yaml", "Path to the config file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *debug {
		cfg.Server.DebugErrors = true
		cfg.Logging.Level = "debug"
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	// Set Gin mode
	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	// Telemetry first, so service metric registration lands on the real
	// meter provider.
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "harbor",
		ServiceVersion: harbor.ServiceVersion,
		Environment:    os.Getenv("ALEUTIAN_ENV"),
		MetricExporter: cfg.Telemetry.MetricExporter,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	if cfg.Engine.Model != "" {
		os.Setenv("OPENAI_MODEL", cfg.Engine.Model)
	}

	svc, err := harbor.NewService(cfg, logger)
	if err != nil {
		logger.Error("Failed to build the harbor service", "error", err)
		os.Exit(1)
	}
	svc.Start(ctx)

	handlers := harbor.NewHandlers(svc)

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	if *debug {
		router.Use(gin.Logger())
	}
	if svc.Metrics() != nil {
		router.Use(telemetry.MetricsMiddleware(svc.Metrics()))
	}

	v1 := router.Group("/v1")
	harbor.RegisterRoutes(v1, handlers)

	if handler := telemetry.MetricsHandler(); handler != nil {
		router.GET("/metrics", gin.WrapH(handler))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		logger.Info("Shutting down Aleutian Harbor server", "signal", sig.String())

		if err := svc.Shutdown(ctx); err != nil {
			logger.Error("Service shutdown reported errors", "error", err)
		}

		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := server.Shutdown(httpCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		if err := telemetryShutdown(httpCtx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	logger.Info("Starting Aleutian Harbor server", slog.String("address", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

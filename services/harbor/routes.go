// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package harbor

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all Harbor routes with the router.
//
// Description:
//
//	Registers all /v1/harbor/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST   /v1/harbor/tenants - Register a tenant
//	DELETE /v1/harbor/tenants/:id - Remove a tenant
//	POST   /v1/harbor/messages - Route a user message
//	GET    /v1/harbor/metrics/system - System-wide metrics
//	GET    /v1/harbor/metrics/pools/:id - Per-pool metrics
//	GET    /v1/harbor/errors - Recorded failures
//	GET    /v1/harbor/health - Health check
//	GET    /v1/harbor/health/detailed - Health with dependency breakdown
//	GET    /v1/harbor/ready - Readiness check
//
// Example:
//
//	svc, _ := harbor.NewService(cfg, logger)
//	handlers := harbor.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	harbor.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	hb := rg.Group("/harbor")
	{
		// Tenant lifecycle
		hb.POST("/tenants", handlers.HandleRegisterTenant)
		hb.DELETE("/tenants/:id", handlers.HandleRemoveTenant)

		// Message routing
		hb.POST("/messages", handlers.HandleRouteMessage)

		// Metrics
		hb.GET("/metrics/system", handlers.HandleSystemMetrics)
		hb.GET("/metrics/pools/:id", handlers.HandlePoolMetrics)

		// Error records
		hb.GET("/errors", handlers.HandleErrorRecords)

		// Health checks
		hb.GET("/health", handlers.HandleHealth)
		hb.GET("/health/detailed", handlers.HandleDetailedHealth)
		hb.GET("/ready", handlers.HandleReady)
	}
}

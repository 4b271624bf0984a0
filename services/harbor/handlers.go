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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/engine"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/health"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/memwatch"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/pool"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/resilience"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/shutdown"
)

// Handlers contains the HTTP handlers for Harbor.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleRegisterTenant handles POST /v1/harbor/tenants.
//
// Description:
//
//	Admits a tenant onto the platform, placing it in a pool and
//	provisioning its agent. Idempotent on tenant_id.
//
// Response:
//
//	201 Created: RegisterTenantResponse (200 OK when already registered)
//	400 Bad Request: Validation error
//	429 Too Many Requests: Capacity exhausted
//	503 Service Unavailable: Shutdown or admission guard
func (h *Handlers) HandleRegisterTenant(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRegisterTenant")

	var req RegisterTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("Registering tenant", "tenant_id", req.TenantID)

	resp, err := h.svc.RegisterTenant(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, logger, err, "REGISTRATION_FAILED")
		return
	}

	status := http.StatusCreated
	if resp.AlreadyRegistered {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// HandleRouteMessage handles POST /v1/harbor/messages.
//
// Description:
//
//	Routes one user message to the tenant's agent. Recovered responses
//	(fallback, degraded) still return 200 with the mode marked.
//
// Response:
//
//	200 OK: RouteMessageResponse
//	400 Bad Request: Validation error
//	404 Not Found: Tenant not assigned to any pool
//	429 Too Many Requests: Tenant rate limit
//	502 Bad Gateway: Unrecovered engine failure
//	503 Service Unavailable: Shutdown in progress
func (h *Handlers) HandleRouteMessage(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRouteMessage")

	var req RouteMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.RouteMessage(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, logger, err, "ROUTING_FAILED")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleRemoveTenant handles DELETE /v1/harbor/tenants/:id.
//
// Response:
//
//	204 No Content: Removed
//	404 Not Found: Tenant was never registered
//	503 Service Unavailable: Shutdown in progress
func (h *Handlers) HandleRemoveTenant(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRemoveTenant")

	tenantID := c.Param("id")
	logger.Info("Removing tenant", "tenant_id", tenantID)

	if err := h.svc.RemoveTenant(c.Request.Context(), tenantID); err != nil {
		h.writeError(c, logger, err, "REMOVAL_FAILED")
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleSystemMetrics handles GET /v1/harbor/metrics/system.
func (h *Handlers) HandleSystemMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.SystemMetrics())
}

// HandlePoolMetrics handles GET /v1/harbor/metrics/pools/:id.
//
// Response:
//
//	200 OK: pool.Metrics
//	404 Not Found: Unknown pool id
func (h *Handlers) HandlePoolMetrics(c *gin.Context) {
	metrics, err := h.svc.PoolMetrics(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Pool not found",
			Code:  "POOL_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, metrics)
}

// HandleErrorRecords handles GET /v1/harbor/errors.
func (h *Handlers) HandleErrorRecords(c *gin.Context) {
	records, err := h.svc.ErrorRecords(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to read error records",
			Code:  "RECORDS_UNAVAILABLE",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// HandleHealth handles GET /v1/harbor/health.
//
// Degraded still returns 200: the platform is serving, just impaired.
// Unhealthy returns 503.
func (h *Handlers) HandleHealth(c *gin.Context) {
	report := h.svc.Health()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// HandleDetailedHealth handles GET /v1/harbor/health/detailed.
func (h *Handlers) HandleDetailedHealth(c *gin.Context) {
	report := h.svc.DetailedHealth(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// HandleReady handles GET /v1/harbor/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "version": ServiceVersion})
}

// writeError maps service errors to HTTP status codes.
func (h *Handlers) writeError(c *gin.Context, logger *slog.Logger, err error, defaultCode string) {
	status := http.StatusInternalServerError
	code := defaultCode

	switch {
	case errors.Is(err, ErrInvalidChannel):
		status = http.StatusBadRequest
		code = "INVALID_CHANNEL"
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "RATE_LIMITED"
	case errors.Is(err, pool.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
		code = "CAPACITY_EXCEEDED"
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusTooManyRequests
		code = "CIRCUIT_OPEN"
	case errors.Is(err, pool.ErrTenantNotAssigned), errors.Is(err, pool.ErrNotRegistered):
		status = http.StatusNotFound
		code = "TENANT_NOT_FOUND"
	case errors.Is(err, pool.ErrRegistrationInProgress):
		status = http.StatusConflict
		code = "REGISTRATION_IN_PROGRESS"
	case errors.Is(err, shutdown.ErrShutdownInProgress), errors.Is(err, pool.ErrPoolShutDown):
		status = http.StatusServiceUnavailable
		code = "SHUTTING_DOWN"
	case errors.Is(err, memwatch.ErrAdmissionDenied):
		status = http.StatusServiceUnavailable
		code = "ADMISSION_DENIED"
	case errors.Is(err, engine.ErrEngineFailure):
		status = http.StatusBadGateway
		code = "ENGINE_FAILURE"
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "status", status, "error", err)
	} else {
		logger.Warn("Request rejected", "status", status, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// getOrCreateRequestID returns the X-Request-ID header, generating one when
// absent, and echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

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
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiter hands out one token bucket per tenant.
//
// # Thread Safety
//
// Safe for concurrent use.
type tenantLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newTenantLimiter creates a limiter. requestsPerMinute 0 disables
// limiting entirely.
func newTenantLimiter(requestsPerMinute, burst int) *tenantLimiter {
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{
		limit:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether the tenant may route one more message now.
func (l *tenantLimiter) allow(tenantID string) bool {
	if l.limit == 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenantID] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// forget drops the tenant's bucket after removal or eviction.
func (l *tenantLimiter) forget(tenantID string) {
	l.mu.Lock()
	delete(l.limiters, tenantID)
	l.mu.Unlock()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import "errors"

// Sentinel errors for pool and manager operations.
var (
	// ErrCapacityExceeded indicates the pool (or the pool fleet) is full.
	// Capacity is a hard constraint; callers must never retry this.
	ErrCapacityExceeded = errors.New("pool capacity exceeded")

	// ErrNotRegistered indicates the tenant is not present in this pool.
	ErrNotRegistered = errors.New("tenant not registered in pool")

	// ErrTenantNotAssigned indicates no pool mapping exists for the tenant.
	ErrTenantNotAssigned = errors.New("tenant not assigned to any pool")

	// ErrPoolNotFound indicates the requested pool id does not exist.
	ErrPoolNotFound = errors.New("pool not found")

	// ErrRegistrationInProgress indicates another registration for the same
	// tenant id is already running.
	ErrRegistrationInProgress = errors.New("tenant registration in progress")

	// ErrPoolShutDown indicates the pool has already been shut down.
	ErrPoolShutDown = errors.New("pool is shut down")
)

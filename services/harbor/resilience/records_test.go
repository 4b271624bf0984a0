// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/statestore"
)

func TestNewRecord(t *testing.T) {
	rec := NewRecord("route_message", SeverityHigh, errors.New("deadline hit"))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, SeverityHigh, rec.Severity)
	assert.Equal(t, "route_message", rec.Operation)
	assert.Equal(t, "deadline hit", rec.Message)
	assert.False(t, rec.Resolved)
}

func TestRecorder_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	defer store.Close()
	r := NewRecorder(store, time.Hour, nil)

	rec := NewRecord("register", SeverityCritical, errors.New("refused"))
	rec.TenantID = "t1"
	r.Record(ctx, rec)

	records, err := r.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, "t1", records[0].TenantID)
	assert.False(t, records[0].Resolved)
}

func TestRecorder_Resolve(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	defer store.Close()
	r := NewRecorder(store, time.Hour, nil)

	rec := NewRecord("route_message", SeverityMedium, errors.New("bad input"))
	r.Record(ctx, rec)
	r.Resolve(ctx, rec)

	records, err := r.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Resolved)
	require.NotNil(t, records[0].ResolvedAt)
}

func TestRecorder_RecentSkipsUndecodable(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	defer store.Close()
	r := NewRecorder(store, time.Hour, nil)

	r.Record(ctx, NewRecord("route_message", SeverityLow, errors.New("x")))
	require.NoError(t, store.Put(ctx, statestore.NamespaceErrors, "garbage", []byte("{not json"), 0))

	records, err := r.Recent(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecorder_WritesAreBestEffort(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	require.NoError(t, store.Close())
	r := NewRecorder(store, time.Hour, nil)

	// A dead store must never panic or error the caller.
	rec := NewRecord("route_message", SeverityLow, errors.New("x"))
	r.Record(ctx, rec)
	r.Resolve(ctx, rec)
	r.Record(ctx, nil)
}

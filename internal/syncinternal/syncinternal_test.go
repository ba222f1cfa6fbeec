// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package syncinternal

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpass/datacollect-engine/internal/applier"
	"github.com/idpass/datacollect-engine/internal/entitystore"
	"github.com/idpass/datacollect-engine/internal/eventstore"
	"github.com/idpass/datacollect-engine/internal/storage"
	"github.com/idpass/datacollect-engine/internal/storage/memory"
	"github.com/idpass/datacollect-engine/internal/syncinternal/testserver"
)

func newTestManager(t *testing.T, srv *testserver.Server) (*Manager, *eventstore.Store, *entitystore.Store) {
	t.Helper()
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	events := eventstore.New(memory.NewEventStore("tenant-1"))
	entities := entitystore.New(memory.NewEntityStore("tenant-1"))
	require.NoError(t, events.Initialize(context.Background()))
	require.NoError(t, entities.Initialize(context.Background()))

	client := NewHTTPClient(httpSrv.URL, nil)
	cfg := DefaultConfig("config-1")
	cfg.BackoffBase = time.Millisecond
	cfg.BreakerTimeout = time.Millisecond

	m := New(cfg, client, events, entities, applier.NewRegistry())
	return m, events, entities
}

func sub(guid, entityGUID string, ts time.Time) storage.FormSubmission {
	return storage.FormSubmission{
		GUID: guid, EntityGUID: entityGUID, Type: "create-individual",
		Data: map[string]any{"name": "x"}, Timestamp: ts, UserID: "u1",
	}
}

// Scenario 8 (spec §8): pushing LOCAL events upgrades them to SYNCED and advances
// lastPushInternal once the server acks the batch.
func TestPush_AcceptedBatchUpgradesSyncLevelAndWaterMark(t *testing.T) {
	srv := testserver.New()
	m, events, _ := newTestManager(t, srv)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := events.Append(ctx, []eventstore.AuditEntryInput{
		{Event: sub("f1", "P1", base)},
		{Event: sub("f2", "P2", base.Add(time.Minute))},
	})
	require.NoError(t, err)

	has, err := events.HasUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	result, err := m.Push(ctx)
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	has, err = events.HasUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.False(t, has, "both events upgraded to SYNCED after a fully accepted push")

	marks, err := events.GetHighWaterMarks(ctx)
	require.NoError(t, err)
	assert.True(t, marks.LastPushInternal.Equal(base.Add(time.Minute)))

	assert.Equal(t, 2, srv.EventCount("config-1"))
}

// Pushing with nothing pending is a no-op that still reports accepted.
func TestPush_NoopWhenNothingPending(t *testing.T) {
	srv := testserver.New()
	m, _, _ := newTestManager(t, srv)
	ctx := context.Background()

	result, err := m.Push(ctx)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, 0, srv.EventCount("config-1"))
}

// Pull resumability (spec §8): paging through more events than one page size resumes
// via the cursor without re-submitting anything already applied, and the water mark
// only advances once hasMore is false.
func TestPull_ResumesAcrossPagesWithoutDuplicateSubmission(t *testing.T) {
	srv := testserver.New()
	m, events, _ := newTestManager(t, srv)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Seed the fake central server directly with more events than one page holds.
	for i := 0; i < storage.DefaultPageSize+3; i++ {
		guid := string(rune('a'+i/26)) + string(rune('a'+i%26))
		form := sub(guid, guid, base.Add(time.Duration(i)*time.Second))
		_, pushErr := m.client.Push(ctx, "config-1", []storage.FormSubmission{form})
		require.NoError(t, pushErr)
	}

	var submitted []string
	submit := func(ctx context.Context, form storage.FormSubmission) error {
		submitted = append(submitted, form.GUID)
		_, err := events.Append(ctx, []eventstore.AuditEntryInput{{Event: form}})
		return err
	}

	require.NoError(t, m.Pull(ctx, submit))
	assert.Len(t, submitted, storage.DefaultPageSize+3)

	seen := make(map[string]bool)
	for _, g := range submitted {
		assert.False(t, seen[g], "no guid submitted twice across pages")
		seen[g] = true
	}

	marks, err := events.GetHighWaterMarks(ctx)
	require.NoError(t, err)
	assert.False(t, marks.LastPullInternal.IsZero())

	all, err := events.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, storage.DefaultPageSize+3)
}

// Pull skips events already recorded locally (idempotent resume after a partial
// failure) instead of re-submitting them through the applier pipeline.
func TestPull_SkipsAlreadyAppliedEvents(t *testing.T) {
	srv := testserver.New()
	m, events, _ := newTestManager(t, srv)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	form := sub("f1", "P1", base)
	_, err := m.client.Push(ctx, "config-1", []storage.FormSubmission{form})
	require.NoError(t, err)

	// Already applied locally before the pull runs.
	_, err = events.Append(ctx, []eventstore.AuditEntryInput{{Event: form}})
	require.NoError(t, err)

	var submitted int
	submit := func(ctx context.Context, form storage.FormSubmission) error {
		submitted++
		return nil
	}
	require.NoError(t, m.Pull(ctx, submit))
	assert.Equal(t, 0, submitted, "event already present locally must not be re-submitted")
}

// spec §4.6/§4.8: an unresolved-duplicates block on the server stops the pull from
// advancing lastPullInternal, without treating it as an error.
func TestPull_DuplicatesBlockingStopsWithoutAdvancingWaterMark(t *testing.T) {
	srv := testserver.New()
	srv.Blocked["config-1"] = true
	m, events, _ := newTestManager(t, srv)
	ctx := context.Background()

	submit := func(ctx context.Context, form storage.FormSubmission) error { return nil }
	require.NoError(t, m.Pull(ctx, submit))

	marks, err := events.GetHighWaterMarks(ctx)
	require.NoError(t, err)
	assert.True(t, marks.LastPullInternal.IsZero(), "blocked pull must not advance the water mark")
}

// 401 from the server is not retried: retryNetwork treats KindUnauthorized as
// permanent (spec §4.6 "non-network errors abort immediately").
func TestPush_UnauthorizedAbortsImmediately(t *testing.T) {
	srv := testserver.New()
	srv.RequireAuth = true
	srv.Token = "secret"
	m, events, _ := newTestManager(t, srv)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := events.Append(ctx, []eventstore.AuditEntryInput{{Event: sub("f1", "P1", base)}})
	require.NoError(t, err)

	_, err = m.Push(ctx)
	require.Error(t, err)

	has, err := events.HasUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.True(t, has, "rejected push must leave events unsynced")
}

func TestPush_SucceedsWithValidBearerToken(t *testing.T) {
	srv := testserver.New()
	srv.RequireAuth = true
	srv.Token = "secret"
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)

	events := eventstore.New(memory.NewEventStore("tenant-1"))
	require.NoError(t, events.Initialize(context.Background()))
	entities := entitystore.New(memory.NewEntityStore("tenant-1"))
	require.NoError(t, entities.Initialize(context.Background()))

	client := NewHTTPClient(httpSrv.URL, func(ctx context.Context) (string, error) { return "secret", nil })
	cfg := DefaultConfig("config-1")
	cfg.BackoffBase = time.Millisecond
	m := New(cfg, client, events, entities, applier.NewRegistry())

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := events.Append(ctx, []eventstore.AuditEntryInput{{Event: sub("f1", "P1", base)}})
	require.NoError(t, err)

	result, err := m.Push(ctx)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}

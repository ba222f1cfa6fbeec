// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package datamanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpass/datacollect-engine/internal/applier"
	"github.com/idpass/datacollect-engine/internal/authgate"
	"github.com/idpass/datacollect-engine/internal/duplicate"
	"github.com/idpass/datacollect-engine/internal/entitystore"
	"github.com/idpass/datacollect-engine/internal/eventstore"
	"github.com/idpass/datacollect-engine/internal/storage"
	"github.com/idpass/datacollect-engine/internal/storage/memory"
	"github.com/idpass/datacollect-engine/internal/syncinternal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	events := eventstore.New(memory.NewEventStore("tenant-1"))
	entities := entitystore.New(memory.NewEntityStore("tenant-1"))
	require.NoError(t, events.Initialize(context.Background()))
	require.NoError(t, entities.Initialize(context.Background()))
	dups := duplicate.New(entities, memory.NewDuplicateStore("tenant-1"))
	return New(events, entities, applier.NewRegistry(), dups)
}

var baseTS = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario 1 (spec §8): create individual.
func TestSubmitForm_CreateIndividual(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	entity, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f1", EntityGUID: "P1", Type: "create-individual",
		Data: map[string]any{"name": "John", "age": 30}, Timestamp: baseTS, UserID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "P1", entity.GUID)
	assert.Equal(t, storage.EntityIndividual, entity.Type)
	assert.Equal(t, 1, entity.Version)
	assert.Equal(t, "John", entity.Data["name"])

	trail, err := m.GetAuditTrail(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "create-individual", trail[0].Action)
}

// Scenario 2: create group with initial members.
func TestSubmitForm_CreateGroupWithMembers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	entity, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f1", EntityGUID: "G1", Type: "create-group",
		Data: map[string]any{
			"name": "Doe",
			"members": []any{
				map[string]any{"guid": "P2", "name": "Jane"},
				map[string]any{"guid": "P3", "name": "Jim"},
			},
		},
		Timestamp: baseTS, UserID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"P2", "P3"}, entity.MemberIDs)
	assert.Equal(t, 1, entity.Version)

	p2, err := m.GetEntity(ctx, "P2")
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.Equal(t, 1, p2.Version)

	p3, err := m.GetEntity(ctx, "P3")
	require.NoError(t, err)
	require.NotNil(t, p3)
	assert.Equal(t, 1, p3.Version)

	count, err := m.events.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, count, 1, "one event for the whole create-group submission")

	for _, guid := range []string{"G1", "P2", "P3"} {
		trail, err := m.GetAuditTrail(ctx, guid)
		require.NoError(t, err)
		assert.Len(t, trail, 1, "each of G1/P2/P3 gets its own audit entry")
	}
}

// Scenario 3: idempotent resubmit.
func TestSubmitForm_IdempotentResubmit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	form := storage.FormSubmission{
		GUID: "f1", EntityGUID: "P1", Type: "create-individual",
		Data: map[string]any{"name": "John"}, Timestamp: baseTS, UserID: "u1",
	}

	first, err := m.SubmitForm(ctx, form)
	require.NoError(t, err)
	second, err := m.SubmitForm(ctx, form)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	all, err := m.events.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// Scenario 4: add member then remove.
func TestSubmitForm_AddThenRemoveMember(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f1", EntityGUID: "G1", Type: "create-group",
		Data: map[string]any{"name": "Doe", "members": []any{
			map[string]any{"guid": "P2", "name": "Jane"},
			map[string]any{"guid": "P3", "name": "Jim"},
		}},
		Timestamp: baseTS, UserID: "u1",
	})
	require.NoError(t, err)

	_, err = m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f2", EntityGUID: "G1", Type: "add-member",
		Data:      map[string]any{"members": []any{map[string]any{"guid": "P4", "name": "Ann"}}},
		Timestamp: baseTS.Add(time.Minute), UserID: "u1",
	})
	require.NoError(t, err)

	group, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f3", EntityGUID: "G1", Type: "remove-member",
		Data:      map[string]any{"memberId": "P4"},
		Timestamp: baseTS.Add(2 * time.Minute), UserID: "u1",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, group.Version)
	assert.Equal(t, []string{"P2", "P3"}, group.MemberIDs)

	p4, err := m.GetEntity(ctx, "P4")
	require.NoError(t, err)
	require.NotNil(t, p4)
	assert.True(t, p4.Tombstoned)
}

// Scenario 5: duplicate detection + resolve.
func TestSubmitForm_DuplicateDetectionAndResolve(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f1", EntityGUID: "P5", Type: "create-individual",
		Data: map[string]any{"name": "John Doe"}, Timestamp: baseTS, UserID: "u1",
	})
	require.NoError(t, err)
	_, err = m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f2", EntityGUID: "P6", Type: "create-individual",
		Data: map[string]any{"name": "John Doe"}, Timestamp: baseTS.Add(time.Minute), UserID: "u1",
	})
	require.NoError(t, err)

	open, err := m.GetPotentialDuplicates(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "P6", open[0].EntityGUID)
	assert.Equal(t, "P5", open[0].DuplicateGUID)

	_, err = m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f3", EntityGUID: "P6", Type: "resolve-duplicate",
		Data: map[string]any{
			"duplicates":   []any{map[string]any{"entityGuid": "P6", "duplicateGuid": "P5"}},
			"shouldDelete": true,
		},
		Timestamp: baseTS.Add(2 * time.Minute), UserID: "u1",
	})
	require.NoError(t, err)

	p5, err := m.GetEntity(ctx, "P5")
	require.NoError(t, err)
	require.NotNil(t, p5)
	assert.True(t, p5.Tombstoned)

	open, err = m.GetPotentialDuplicates(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "resolved record must no longer be open")
}

// Scenario 8 (push-ack half, via the HasUnsyncedEvents contract): LOCAL events flip to
// SYNCED once every event's sync level is upgraded.
func TestHasUnsyncedEvents_TracksSyncLevelAcrossAllEvents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f1", EntityGUID: "P1", Type: "create-individual",
		Data: map[string]any{"name": "A"}, Timestamp: baseTS, UserID: "u1",
	})
	require.NoError(t, err)
	_, err = m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f2", EntityGUID: "P2", Type: "create-individual",
		Data: map[string]any{"name": "B"}, Timestamp: baseTS.Add(time.Minute), UserID: "u1",
	})
	require.NoError(t, err)

	has, err := m.HasUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	all, err := m.events.GetAll(ctx)
	require.NoError(t, err)
	for _, e := range all {
		require.NoError(t, m.events.UpdateSyncLevel(ctx, e.ID, storage.LevelSynced))
	}

	has, err = m.HasUnsyncedEvents(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSubmitForm_ValidationRejectsEmptyFields(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "", EntityGUID: "P1", Type: "create-individual",
		Data: map[string]any{"name": "x"}, Timestamp: baseTS, UserID: "u1",
	})
	require.Error(t, err)
}

func TestSubmitForm_UnknownEventType(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.SubmitForm(ctx, storage.FormSubmission{
		GUID: "f1", EntityGUID: "P1", Type: "no-such-type",
		Data: map[string]any{"x": 1}, Timestamp: baseTS, UserID: "u1",
	})
	require.Error(t, err)
}

// fakeInternalSync and fakeExternalSync stand in for syncinternal.Manager and
// syncexternal.Manager so SyncWithSyncServer/SyncWithExternal can be exercised without
// a real HTTP round trip.
type fakeInternalSync struct {
	pushResult syncinternal.PushResult
	pushErr    error
	pullForms  []storage.FormSubmission
	pullErr    error
}

func (f *fakeInternalSync) Push(ctx context.Context) (syncinternal.PushResult, error) {
	return f.pushResult, f.pushErr
}

func (f *fakeInternalSync) Pull(ctx context.Context, submit submitFn) error {
	for _, form := range f.pullForms {
		if err := submit(ctx, form); err != nil {
			return err
		}
	}
	return f.pullErr
}

type fakeExternalSync struct {
	pushErr   error
	pullForms []storage.FormSubmission
	failOn    map[string]bool
}

func (f *fakeExternalSync) Push(ctx context.Context) error { return f.pushErr }

func (f *fakeExternalSync) Pull(ctx context.Context, submit submitFn) error {
	for _, form := range f.pullForms {
		if err := submit(ctx, form); err != nil && !f.failOn[form.GUID] {
			return err
		}
	}
	return nil
}

type fakeAuthGate struct {
	loginErr  error
	loggedIn  bool
	loggedOut bool
}

func (f *fakeAuthGate) Login(ctx context.Context, creds authgate.Credentials, provider string) error {
	if f.loginErr != nil {
		return f.loginErr
	}
	f.loggedIn = true
	return nil
}

func (f *fakeAuthGate) Logout(ctx context.Context) error {
	f.loggedOut = true
	return nil
}

func TestSyncWithSyncServer_NotConfiguredIsRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.SyncWithSyncServer(context.Background())
	require.Error(t, err)
}

// An accepted push followed by a pull that applies one remote submission through the
// full SubmitForm pipeline.
func TestSyncWithSyncServer_PushThenPullAppliesRemoteEvent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	fake := &fakeInternalSync{
		pushResult: syncinternal.PushResult{Accepted: true},
		pullForms: []storage.FormSubmission{
			{GUID: "remote-1", EntityGUID: "P9", Type: "create-individual",
				Data: map[string]any{"name": "Remote"}, Timestamp: baseTS, UserID: "server"},
		},
	}
	m.WithInternalSync(fake)

	result, err := m.SyncWithSyncServer(ctx)
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	entity, err := m.GetEntity(ctx, "P9")
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, "Remote", entity.Data["name"])
}

func TestSyncWithSyncServer_ConflictSkipsPull(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	fake := &fakeInternalSync{
		pushResult: syncinternal.PushResult{Accepted: false, Conflicts: []syncinternal.PushConflict{{EventGUID: "f1"}}},
		pullForms: []storage.FormSubmission{
			{GUID: "remote-1", EntityGUID: "P9", Type: "create-individual",
				Data: map[string]any{"name": "Remote"}, Timestamp: baseTS, UserID: "server"},
		},
	}
	m.WithInternalSync(fake)

	result, err := m.SyncWithSyncServer(ctx)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	require.Len(t, result.Conflicts, 1)

	entity, err := m.GetEntity(ctx, "P9")
	require.NoError(t, err)
	assert.Nil(t, entity, "pull must not run while the push is still conflicted")
}

func TestSyncWithExternal_NotConfiguredIsRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.SyncWithExternal(context.Background())
	require.Error(t, err)
}

func TestSyncWithExternal_ReportsPushedPulledAndFailed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	fake := &fakeExternalSync{
		pullForms: []storage.FormSubmission{
			{GUID: "ext-1", EntityGUID: "P10", Type: "create-individual",
				Data: map[string]any{"name": "Ext"}, Timestamp: baseTS, UserID: "external"},
			{GUID: "ext-2", EntityGUID: "P10", Type: "unknown-type",
				Data: map[string]any{"x": 1}, Timestamp: baseTS, UserID: "external"},
		},
		failOn: map[string]bool{"ext-2": true},
	}
	m.WithExternalSync(fake)

	result, err := m.SyncWithExternal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 1, result.Failed)
}

func TestLoginLogout_DelegateToAuthGate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	gate := &fakeAuthGate{}
	m.WithAuthGate(gate)

	require.NoError(t, m.Login(ctx, authgate.Credentials{Username: "u", Password: "p"}, ""))
	assert.True(t, gate.loggedIn)

	require.NoError(t, m.Logout(ctx))
	assert.True(t, gate.loggedOut)
}

func TestLogin_NotConfiguredIsRejected(t *testing.T) {
	m := newTestManager(t)
	err := m.Login(context.Background(), authgate.Credentials{Username: "u", Password: "p"}, "")
	require.Error(t, err)
}

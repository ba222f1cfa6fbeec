// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package badger

import (
	"context"
	"testing"
	"time"

	bg "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpass/datacollect-engine/internal/storage"
)

func openTestDB(t *testing.T) *bg.DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEventStore_SaveAndRetrieveRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewEventStore(db, "tenant-1")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ids, err := s.SaveEvents(ctx, []storage.FormSubmission{
		{GUID: "f1", EntityGUID: "P1", Type: "create-individual", Timestamp: base, UserID: "u1"},
		{GUID: "f2", EntityGUID: "P2", Type: "create-individual", Timestamp: base.Add(time.Minute), UserID: "u1"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, int64(1), ids[0])
	assert.Equal(t, int64(2), ids[1])

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "f1", all[0].GUID)
	assert.Equal(t, "f2", all[1].GUID)

	existed, err := s.IsEventExisted(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.IsEventExisted(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestEventStore_UpdateSyncLevelRejectsDowngrade(t *testing.T) {
	db := openTestDB(t)
	s := NewEventStore(db, "tenant-1")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ids, err := s.SaveEvents(ctx, []storage.FormSubmission{
		{GUID: "f1", EntityGUID: "P1", Type: "create-individual", Timestamp: base, UserID: "u1"},
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateSyncLevel(ctx, ids[0], storage.LevelSynced))
	err = s.UpdateSyncLevel(ctx, ids[0], storage.LevelLocal)
	require.Error(t, err)
}

func TestEventStore_HighWaterMarksAreMonotonic(t *testing.T) {
	db := openTestDB(t)
	s := NewEventStore(db, "tenant-1")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SetLastPushInternal(ctx, base.Add(time.Hour)))
	require.NoError(t, s.SetLastPushInternal(ctx, base)) // earlier, must be ignored

	marks, err := s.GetHighWaterMarks(ctx)
	require.NoError(t, err)
	assert.True(t, marks.LastPushInternal.Equal(base.Add(time.Hour)))
}

func TestEventStore_TransactionRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	s := NewEventStore(db, "tenant-1")
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.SaveEvents(ctx, []storage.FormSubmission{
			{GUID: "f1", EntityGUID: "P1", Type: "create-individual", Timestamp: time.Now(), UserID: "u1"},
		}); err != nil {
			return err
		}
		return assertErr
	})
	require.Error(t, err)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "a failed compound write must not leave partial state")
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestEntityStore_SaveAndLookupByExternalID(t *testing.T) {
	db := openTestDB(t)
	s := NewEntityStore(db, "tenant-1")
	ctx := context.Background()
	extID := "ext-1"

	require.NoError(t, s.Save(ctx, &storage.Entity{GUID: "P1", ExternalID: &extID, LastUpdated: time.Now()}))

	found, err := s.GetByExternalID(ctx, extID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "P1", found.GUID)
}

func TestEntityStore_SaveRejectsExternalIDBoundToAnotherGUID(t *testing.T) {
	db := openTestDB(t)
	s := NewEntityStore(db, "tenant-1")
	ctx := context.Background()
	extID := "ext-1"

	require.NoError(t, s.Save(ctx, &storage.Entity{GUID: "P1", ExternalID: &extID}))
	err := s.Save(ctx, &storage.Entity{GUID: "P2", ExternalID: &extID})
	require.Error(t, err)
}

func TestEntityStore_DeleteTombstonesAndExcludesFromGetAll(t *testing.T) {
	db := openTestDB(t)
	s := NewEntityStore(db, "tenant-1")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &storage.Entity{GUID: "P1", LastUpdated: time.Now()}))
	require.NoError(t, s.Delete(ctx, "P1"))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	direct, err := s.GetByGUID(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, direct)
	assert.True(t, direct.Tombstoned)
}

func TestDuplicateStore_SymmetricPairIsOneRecord(t *testing.T) {
	db := openTestDB(t)
	s := NewDuplicateStore(db, "tenant-1")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, storage.PotentialDuplicate{EntityGUID: "P1", DuplicateGUID: "P2"}))
	require.NoError(t, s.Save(ctx, storage.PotentialDuplicate{EntityGUID: "P2", DuplicateGUID: "P1"}))

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, s.Resolve(ctx, "P1", "P2"))
	open, err = s.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

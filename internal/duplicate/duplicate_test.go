// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package duplicate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpass/datacollect-engine/internal/storage"
	"github.com/idpass/datacollect-engine/internal/storage/memory"
)

type fakeLister struct{ entities []*storage.Entity }

func (f *fakeLister) GetAll(ctx context.Context) ([]*storage.Entity, error) { return f.entities, nil }

func TestOnCreated_RecordsCandidateForMatchingName(t *testing.T) {
	ctx := context.Background()
	dups := memory.NewDuplicateStore("tenant-1")
	r := New(&fakeLister{}, dups)

	require.NoError(t, r.OnCreated(ctx, "P5", "John Doe"))
	require.NoError(t, r.OnCreated(ctx, "P6", "john doe")) // normalized match

	open, err := r.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "P6", open[0].EntityGUID)
	assert.Equal(t, "P5", open[0].DuplicateGUID)
	assert.Equal(t, storage.DuplicateOpen, open[0].Status)
}

func TestOnCreated_NoCandidateForUniqueName(t *testing.T) {
	ctx := context.Background()
	dups := memory.NewDuplicateStore("tenant-1")
	r := New(&fakeLister{}, dups)

	require.NoError(t, r.OnCreated(ctx, "P1", "Alice"))
	require.NoError(t, r.OnCreated(ctx, "P2", "Bob"))

	open, err := r.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolve_ClosesRecord(t *testing.T) {
	ctx := context.Background()
	dups := memory.NewDuplicateStore("tenant-1")
	r := New(&fakeLister{}, dups)

	require.NoError(t, r.OnCreated(ctx, "P5", "John Doe"))
	require.NoError(t, r.OnCreated(ctx, "P6", "John Doe"))

	require.NoError(t, r.Resolve(ctx, "P6", "P5"))

	open, err := r.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "resolved record must no longer be open")
}

func TestRecordingReverseOrderYieldsOneOpenRecord(t *testing.T) {
	// spec §8: recording (a,b) and later (b,a) yields one open record, not two.
	ctx := context.Background()
	dups := memory.NewDuplicateStore("tenant-1")

	require.NoError(t, dups.Save(ctx, storage.PotentialDuplicate{EntityGUID: "a", DuplicateGUID: "b", Status: storage.DuplicateOpen}))
	require.NoError(t, dups.Save(ctx, storage.PotentialDuplicate{EntityGUID: "b", DuplicateGUID: "a", Status: storage.DuplicateOpen}))

	open, err := dups.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestReindex_SeedsFromExistingEntities(t *testing.T) {
	ctx := context.Background()
	dups := memory.NewDuplicateStore("tenant-1")
	lister := &fakeLister{entities: []*storage.Entity{
		{GUID: "P1", Name: "Jane Doe"},
	}}
	r := New(lister, dups)
	require.NoError(t, r.Reindex(ctx))

	require.NoError(t, r.OnCreated(ctx, "P2", "jane doe"))
	open, err := r.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "P2", open[0].EntityGUID)
	assert.Equal(t, "P1", open[0].DuplicateGUID)
}

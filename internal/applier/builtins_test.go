// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package applier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// fakeEntities is a minimal in-memory lookup table standing in for the Entity Store
// during applier unit tests, which must never touch real storage (spec §4.4
// determinism: appliers are pure functions of entity/form/lookup).
type fakeEntities struct {
	byGUID map[string]*storage.Entity
}

func newFakeEntities(entities ...*storage.Entity) *fakeEntities {
	f := &fakeEntities{byGUID: make(map[string]*storage.Entity)}
	for _, e := range entities {
		f.byGUID[e.GUID] = e
	}
	return f
}

func (f *fakeEntities) lookup(ctx context.Context, guid string) (*storage.Entity, error) {
	return f.byGUID[guid], nil
}

var baseTS = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCreateIndividual(t *testing.T) {
	fe := newFakeEntities()
	form := storage.FormSubmission{
		GUID: "f1", EntityGUID: "P1", Type: "create-individual",
		Data: map[string]any{"name": "John", "age": 30}, Timestamp: baseTS, UserID: "u1",
	}

	result, err := applyCreateIndividual(context.Background(), nil, form, fe.lookup)
	require.NoError(t, err)
	require.Len(t, result, 1)

	entity := result[0].Modified
	assert.Equal(t, "P1", entity.GUID)
	assert.Equal(t, storage.EntityIndividual, entity.Type)
	assert.Equal(t, 1, entity.Version)
	assert.Equal(t, "John", entity.Data["name"])
	assert.Nil(t, result[0].Existing)
}

func TestCreateIndividual_RejectsExisting(t *testing.T) {
	existing := &storage.Entity{GUID: "P1", Type: storage.EntityIndividual, Version: 1}
	form := storage.FormSubmission{GUID: "f1", EntityGUID: "P1", Type: "create-individual", Data: map[string]any{"name": "x"}, Timestamp: baseTS, UserID: "u1"}

	_, err := applyCreateIndividual(context.Background(), existing, form, newFakeEntities().lookup)
	require.Error(t, err)
	kind, ok := engineerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, engineerrors.KindConflict, kind)
}

func TestCreateIndividual_RejectsMembersPayload(t *testing.T) {
	form := storage.FormSubmission{
		GUID: "f1", EntityGUID: "P1", Type: "create-individual",
		Data: map[string]any{"name": "x", "members": []any{}}, Timestamp: baseTS, UserID: "u1",
	}
	_, err := applyCreateIndividual(context.Background(), nil, form, newFakeEntities().lookup)
	require.Error(t, err)
}

func TestCreateGroup_WithInitialMembers(t *testing.T) {
	form := storage.FormSubmission{
		GUID: "f1", EntityGUID: "G1", Type: "create-group",
		Data: map[string]any{
			"name": "Doe",
			"members": []any{
				map[string]any{"guid": "P2", "name": "Jane"},
				map[string]any{"guid": "P3", "name": "Jim"},
			},
		},
		Timestamp: baseTS, UserID: "u1",
	}

	result, err := applyCreateGroup(context.Background(), nil, form, newFakeEntities().lookup)
	require.NoError(t, err)
	require.Len(t, result, 3)

	var group *storage.Entity
	var members []*storage.Entity
	for _, c := range result {
		if c.Modified.GUID == "G1" {
			group = c.Modified
		} else {
			members = append(members, c.Modified)
		}
	}
	require.NotNil(t, group)
	assert.Equal(t, []string{"P2", "P3"}, group.MemberIDs)
	assert.Equal(t, 1, group.Version)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, 1, m.Version)
		assert.Equal(t, storage.EntityIndividual, m.Type)
	}
}

func TestUpdateIndividual_ShallowMerge(t *testing.T) {
	existing := &storage.Entity{
		GUID: "P1", Type: storage.EntityIndividual, Version: 1,
		Data: map[string]any{"name": "John", "age": 30},
	}
	form := storage.FormSubmission{
		GUID: "f2", EntityGUID: "P1", Type: "update-individual",
		Data: map[string]any{"age": 31}, Timestamp: baseTS, UserID: "u1",
	}

	result, err := applyUpdateIndividual(context.Background(), existing, form, newFakeEntities().lookup)
	require.NoError(t, err)
	require.Len(t, result, 1)
	modified := result[0].Modified
	assert.Equal(t, 2, modified.Version)
	assert.Equal(t, "John", modified.Data["name"], "shallow merge keeps untouched fields")
	assert.Equal(t, 31, modified.Data["age"])
}

func TestUpdateIndividual_RejectsMissingOrWrongType(t *testing.T) {
	form := storage.FormSubmission{GUID: "f", EntityGUID: "P1", Type: "update-individual", Data: map[string]any{"a": 1}, Timestamp: baseTS, UserID: "u1"}
	_, err := applyUpdateIndividual(context.Background(), nil, form, newFakeEntities().lookup)
	require.Error(t, err)

	group := &storage.Entity{GUID: "G1", Type: storage.EntityGroup, Version: 1}
	_, err = applyUpdateIndividual(context.Background(), group, form, newFakeEntities().lookup)
	require.Error(t, err)
}

func TestUpdateGroup_NeverMutatesMemberIDs(t *testing.T) {
	existing := &storage.Entity{
		GUID: "G1", Type: storage.EntityGroup, Version: 1,
		Data: map[string]any{"name": "Doe"}, MemberIDs: []string{"P2", "P3"},
	}
	form := storage.FormSubmission{
		GUID: "f", EntityGUID: "G1", Type: "update-group",
		Data: map[string]any{"name": "Doe Family"}, Timestamp: baseTS, UserID: "u1",
	}
	result, err := applyUpdateGroup(context.Background(), existing, form, newFakeEntities().lookup)
	require.NoError(t, err)
	assert.Equal(t, []string{"P2", "P3"}, result[0].Modified.MemberIDs)
	assert.Equal(t, 2, result[0].Modified.Version)
}

func TestAddMember_ThenRemoveMember(t *testing.T) {
	group := &storage.Entity{
		GUID: "G1", Type: storage.EntityGroup, Version: 2,
		Data: map[string]any{"name": "Doe"}, MemberIDs: []string{"P2", "P3"},
	}
	fe := newFakeEntities(group)

	addForm := storage.FormSubmission{
		GUID: "f3", EntityGUID: "G1", Type: "add-member",
		Data: map[string]any{"members": []any{map[string]any{"guid": "P4", "name": "Ann"}}},
		Timestamp: baseTS, UserID: "u1",
	}
	addResult, err := applyAddMember(context.Background(), group, addForm, fe.lookup)
	require.NoError(t, err)
	require.Len(t, addResult, 2)

	var updatedGroup *storage.Entity
	var newMember *storage.Entity
	for _, c := range addResult {
		if c.Modified.GUID == "G1" {
			updatedGroup = c.Modified
		} else {
			newMember = c.Modified
		}
	}
	require.NotNil(t, updatedGroup)
	require.NotNil(t, newMember)
	assert.Equal(t, []string{"P2", "P3", "P4"}, updatedGroup.MemberIDs)
	assert.Equal(t, 3, updatedGroup.Version)
	assert.Equal(t, 1, newMember.Version)

	// feed the new member + updated group back into the fake store, then remove P4.
	fe.byGUID["G1"] = updatedGroup
	fe.byGUID["P4"] = newMember

	removeForm := storage.FormSubmission{
		GUID: "f4", EntityGUID: "G1", Type: "remove-member",
		Data: map[string]any{"memberId": "P4"}, Timestamp: baseTS, UserID: "u1",
	}
	removeResult, err := applyRemoveMember(context.Background(), updatedGroup, removeForm, fe.lookup)
	require.NoError(t, err)
	require.Len(t, removeResult, 2)

	var finalGroup, tombstonedMember *storage.Entity
	for _, c := range removeResult {
		if c.Modified.GUID == "G1" {
			finalGroup = c.Modified
		} else {
			tombstonedMember = c.Modified
		}
	}
	require.NotNil(t, finalGroup)
	assert.Equal(t, []string{"P2", "P3"}, finalGroup.MemberIDs)
	assert.Equal(t, 4, finalGroup.Version)
	require.NotNil(t, tombstonedMember)
	assert.True(t, tombstonedMember.Tombstoned, "removed member is retained but tombstoned")
}

func TestAddMember_RejectsDuplicateGUID(t *testing.T) {
	group := &storage.Entity{GUID: "G1", Type: storage.EntityGroup, Version: 1, MemberIDs: []string{"P2"}}
	form := storage.FormSubmission{
		GUID: "f", EntityGUID: "G1", Type: "add-member",
		Data: map[string]any{"members": []any{map[string]any{"guid": "P2", "name": "dup"}}},
		Timestamp: baseTS, UserID: "u1",
	}
	_, err := applyAddMember(context.Background(), group, form, newFakeEntities(group).lookup)
	require.Error(t, err)
}

func TestDeleteEntity_Tombstones(t *testing.T) {
	existing := &storage.Entity{GUID: "P1", Type: storage.EntityIndividual, Version: 3}
	form := storage.FormSubmission{GUID: "f", EntityGUID: "P1", Type: "delete-entity", Data: map[string]any{"x": 1}, Timestamp: baseTS, UserID: "u1"}

	result, err := applyDeleteEntity(context.Background(), existing, form, newFakeEntities().lookup)
	require.NoError(t, err)
	assert.True(t, result[0].Modified.Tombstoned)
	assert.Equal(t, 4, result[0].Modified.Version)
}

func TestResolveDuplicate_ShouldDeleteTombstonesDuplicate(t *testing.T) {
	survivor := &storage.Entity{GUID: "P6", Type: storage.EntityIndividual, Version: 1, Name: "John Doe"}
	duplicate := &storage.Entity{GUID: "P5", Type: storage.EntityIndividual, Version: 1, Name: "John Doe"}
	fe := newFakeEntities(survivor, duplicate)

	form := storage.FormSubmission{
		GUID: "f", EntityGUID: "P6", Type: "resolve-duplicate",
		Data: map[string]any{
			"duplicates":   []any{map[string]any{"entityGuid": "P6", "duplicateGuid": "P5"}},
			"shouldDelete": true,
		},
		Timestamp: baseTS, UserID: "u1",
	}

	result, err := applyResolveDuplicate(context.Background(), survivor, form, fe.lookup)
	require.NoError(t, err)
	require.Len(t, result, 2)

	var survivorOut, duplicateOut *storage.Entity
	for _, c := range result {
		if c.Modified.GUID == "P6" {
			survivorOut = c.Modified
		} else {
			duplicateOut = c.Modified
		}
	}
	assert.Equal(t, 2, survivorOut.Version)
	require.NotNil(t, duplicateOut)
	assert.True(t, duplicateOut.Tombstoned)
}

func TestResolveDuplicate_RetainsBothWhenNotDeleted(t *testing.T) {
	survivor := &storage.Entity{GUID: "P6", Type: storage.EntityIndividual, Version: 1}
	duplicate := &storage.Entity{GUID: "P5", Type: storage.EntityIndividual, Version: 1}
	fe := newFakeEntities(survivor, duplicate)

	form := storage.FormSubmission{
		GUID: "f", EntityGUID: "P6", Type: "resolve-duplicate",
		Data:      map[string]any{"duplicateGuid": "P5", "shouldDelete": false},
		Timestamp: baseTS, UserID: "u1",
	}
	result, err := applyResolveDuplicate(context.Background(), survivor, form, fe.lookup)
	require.NoError(t, err)
	assert.Len(t, result, 1, "no tombstone change emitted when shouldDelete is false")
}

func TestRegistry_RegisterReplacesPriorApplier(t *testing.T) {
	r := NewRegistry()
	calls := 0
	custom := func(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
		calls++
		return Result{{Modified: &storage.Entity{GUID: form.EntityGUID, Version: 1}}}, nil
	}
	r.Register("create-individual", custom)

	fn, err := r.Lookup("create-individual")
	require.NoError(t, err)
	_, err = fn(context.Background(), nil, storage.FormSubmission{EntityGUID: "P1"}, newFakeEntities().lookup)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRegistry_UnknownEventType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("no-such-type")
	require.Error(t, err)
	kind, ok := engineerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, engineerrors.KindValidation, kind)
}

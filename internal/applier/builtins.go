// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package applier

import (
	"context"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// memberInput is the shape expected under form.Data["members"] for create-group and
// add-member: guids are assigned by the caller before the form reaches the applier
// (spec §4.4 determinism — no id generation inside applier code), each paired with
// the new Individual's data payload.
type memberInput struct {
	GUID string
	Data map[string]any
}

// parseMembers accepts either the flat shape from the spec's worked examples
// ({guid, name, ...fields directly}) or a nested {guid, data: {...}} shape: every
// field but "guid" becomes the new Individual's data, with an explicit "data" submap
// merged on top if present.
func parseMembers(form storage.FormSubmission) ([]memberInput, error) {
	raw, ok := form.Data["members"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, engineerrors.New(engineerrors.KindValidation, "members must be a list")
	}
	out := make([]memberInput, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, engineerrors.New(engineerrors.KindValidation, "each member must be an object")
		}
		guid, _ := m["guid"].(string)
		if guid == "" {
			return nil, engineerrors.New(engineerrors.KindValidation, "member guid is required")
		}
		data := make(map[string]any, len(m))
		for k, v := range m {
			if k == "guid" || k == "data" {
				continue
			}
			data[k] = v
		}
		if nested, ok := m["data"].(map[string]any); ok {
			for k, v := range nested {
				data[k] = v
			}
		}
		out = append(out, memberInput{GUID: guid, Data: data})
	}
	return out, nil
}

// nameFromData derives an entity's display name from its data payload (spec §3:
// "name: display name (may be derived from data)"), used by duplicate detection's
// normalized-name matching.
func nameFromData(data map[string]any) string {
	name, _ := data["name"].(string)
	return name
}

func applyCreateIndividual(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity != nil {
		return nil, engineerrors.New(engineerrors.KindConflict, "entity already exists: "+form.EntityGUID)
	}
	if _, hasMembers := form.Data["members"]; hasMembers {
		return nil, engineerrors.New(engineerrors.KindValidation, "create-individual does not accept members")
	}
	created := &storage.Entity{
		GUID:        form.EntityGUID,
		Type:        storage.EntityIndividual,
		Name:        nameFromData(form.Data),
		Version:     1,
		LastUpdated: form.Timestamp,
		Data:        diffData(form.Data),
	}
	return Result{{Existing: nil, Modified: created, Diff: diffData(form.Data)}}, nil
}

func applyCreateGroup(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity != nil {
		return nil, engineerrors.New(engineerrors.KindConflict, "entity already exists: "+form.EntityGUID)
	}
	members, err := parseMembers(form)
	if err != nil {
		return nil, err
	}

	memberIDs := make([]string, 0, len(members))
	result := make(Result, 0, len(members)+1)
	groupData := make(map[string]any, len(form.Data))
	for k, v := range form.Data {
		if k == "members" {
			continue
		}
		groupData[k] = v
	}

	for _, m := range members {
		memberIDs = append(memberIDs, m.GUID)
		result = append(result, Change{
			Existing: nil,
			Modified: &storage.Entity{
				GUID:        m.GUID,
				Type:        storage.EntityIndividual,
				Name:        nameFromData(m.Data),
				Version:     1,
				LastUpdated: form.Timestamp,
				Data:        diffData(m.Data),
			},
			Diff: diffData(m.Data),
		})
	}

	group := &storage.Entity{
		GUID:        form.EntityGUID,
		Type:        storage.EntityGroup,
		Name:        nameFromData(groupData),
		Version:     1,
		LastUpdated: form.Timestamp,
		Data:        groupData,
		MemberIDs:   memberIDs,
	}
	result = append(result, Change{Existing: nil, Modified: group, Diff: diffData(groupData)})
	return result, nil
}

func applyUpdateIndividual(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity == nil || entity.Type != storage.EntityIndividual {
		return nil, engineerrors.New(engineerrors.KindValidation, "update-individual target must be an existing Individual")
	}
	modified := entity.Clone()
	modified.Data = mergeData(entity.Data, form.Data)
	modified.Name = nameFromDataOrKeep(modified.Data, entity.Name)
	modified.Version = entity.Version + 1
	modified.LastUpdated = form.Timestamp
	return Result{{Existing: entity, Modified: modified, Diff: diffData(form.Data)}}, nil
}

func applyUpdateGroup(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity == nil || entity.Type != storage.EntityGroup {
		return nil, engineerrors.New(engineerrors.KindValidation, "update-group target must be an existing Group")
	}
	modified := entity.Clone()
	modified.Data = mergeData(entity.Data, form.Data)
	modified.Name = nameFromDataOrKeep(modified.Data, entity.Name)
	modified.Version = entity.Version + 1
	modified.LastUpdated = form.Timestamp
	// memberIds are never mutated by update-group (spec §4.4).
	return Result{{Existing: entity, Modified: modified, Diff: diffData(form.Data)}}, nil
}

// nameFromDataOrKeep re-derives Name from merged data if a name was present, otherwise
// keeps the entity's prior name (an update that touches unrelated fields must not blank
// out the display name).
func nameFromDataOrKeep(data map[string]any, prior string) string {
	if name := nameFromData(data); name != "" {
		return name
	}
	return prior
}

func applyAddMember(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity == nil || entity.Type != storage.EntityGroup {
		return nil, engineerrors.New(engineerrors.KindValidation, "add-member target must be a Group")
	}
	members, err := parseMembers(form)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, engineerrors.New(engineerrors.KindValidation, "add-member requires at least one member")
	}
	for _, m := range members {
		if entity.HasMember(m.GUID) {
			return nil, engineerrors.New(engineerrors.KindValidation, "guid already a member: "+m.GUID)
		}
	}

	result := make(Result, 0, len(members)+1)
	newMemberIDs := make([]string, 0, len(members))
	for _, m := range members {
		newMemberIDs = append(newMemberIDs, m.GUID)
		result = append(result, Change{
			Existing: nil,
			Modified: &storage.Entity{
				GUID:        m.GUID,
				Type:        storage.EntityIndividual,
				Name:        nameFromData(m.Data),
				Version:     1,
				LastUpdated: form.Timestamp,
				Data:        diffData(m.Data),
			},
			Diff: diffData(m.Data),
		})
	}

	modifiedGroup := entity.Clone()
	modifiedGroup.MemberIDs = append(append([]string{}, entity.MemberIDs...), newMemberIDs...)
	modifiedGroup.Version = entity.Version + 1
	modifiedGroup.LastUpdated = form.Timestamp
	result = append(result, Change{Existing: entity, Modified: modifiedGroup, Diff: map[string]any{"addedMembers": newMemberIDs}})
	return result, nil
}

func applyRemoveMember(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity == nil || entity.Type != storage.EntityGroup {
		return nil, engineerrors.New(engineerrors.KindValidation, "remove-member target must be a Group")
	}
	memberID, _ := form.Data["memberId"].(string)
	if memberID == "" {
		return nil, engineerrors.New(engineerrors.KindValidation, "memberId is required")
	}
	if !entity.HasMember(memberID) {
		return nil, engineerrors.New(engineerrors.KindValidation, "guid is not a member: "+memberID)
	}

	remaining := make([]string, 0, len(entity.MemberIDs)-1)
	for _, id := range entity.MemberIDs {
		if id != memberID {
			remaining = append(remaining, id)
		}
	}
	modifiedGroup := entity.Clone()
	modifiedGroup.MemberIDs = remaining
	modifiedGroup.Version = entity.Version + 1
	modifiedGroup.LastUpdated = form.Timestamp

	result := Result{{Existing: entity, Modified: modifiedGroup, Diff: map[string]any{"removedMember": memberID}}}

	member, err := lookup(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member != nil {
		tombstoned := member.Clone()
		tombstoned.Tombstoned = true
		tombstoned.Version = member.Version + 1
		tombstoned.LastUpdated = form.Timestamp
		result = append(result, Change{Existing: member, Modified: tombstoned, Diff: map[string]any{"tombstoned": true}})
	}
	return result, nil
}

func applyDeleteEntity(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity == nil {
		return nil, engineerrors.New(engineerrors.KindValidation, "delete-entity target does not exist: "+form.EntityGUID)
	}
	modified := entity.Clone()
	modified.Tombstoned = true
	modified.Version = entity.Version + 1
	modified.LastUpdated = form.Timestamp
	return Result{{Existing: entity, Modified: modified, Diff: map[string]any{"tombstoned": true}}}, nil
}

// duplicatePairGUID extracts the duplicateGuid this resolve-duplicate form targets.
// The spec's worked example (§8 scenario 5) nests it in a "duplicates" list of
// {entityGuid, duplicateGuid} pairs; a flat top-level "duplicateGuid" is accepted too
// since the applier only ever acts on one pair regardless of payload shape.
func duplicatePairGUID(form storage.FormSubmission) string {
	if raw, ok := form.Data["duplicates"]; ok {
		if list, ok := raw.([]any); ok && len(list) > 0 {
			if pair, ok := list[0].(map[string]any); ok {
				if guid, _ := pair["duplicateGuid"].(string); guid != "" {
					return guid
				}
			}
		}
	}
	guid, _ := form.Data["duplicateGuid"].(string)
	return guid
}

// applyResolveDuplicate merges per policy: if shouldDelete, the duplicateGuid entity
// is tombstoned; otherwise both are retained and only the duplicate record (owned by
// the duplicate resolver, not this applier) is marked resolved. The surviving entity
// (form.EntityGUID) always gets its version bumped to record the resolution.
func applyResolveDuplicate(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	if entity == nil {
		return nil, engineerrors.New(engineerrors.KindValidation, "resolve-duplicate surviving entity does not exist: "+form.EntityGUID)
	}
	duplicateGUID := duplicatePairGUID(form)
	if duplicateGUID == "" {
		return nil, engineerrors.New(engineerrors.KindValidation, "duplicateGuid is required")
	}
	duplicate, err := lookup(ctx, duplicateGUID)
	if err != nil {
		return nil, err
	}
	if duplicate == nil {
		return nil, engineerrors.New(engineerrors.KindValidation, "resolve-duplicate references a nonexistent entity: "+duplicateGUID)
	}
	shouldDelete, _ := form.Data["shouldDelete"].(bool)

	survivor := entity.Clone()
	survivor.Version = entity.Version + 1
	survivor.LastUpdated = form.Timestamp
	result := Result{{Existing: entity, Modified: survivor, Diff: map[string]any{"resolvedDuplicate": duplicateGUID, "shouldDelete": shouldDelete}}}

	if shouldDelete {
		tombstoned := duplicate.Clone()
		tombstoned.Tombstoned = true
		tombstoned.Version = duplicate.Version + 1
		tombstoned.LastUpdated = form.Timestamp
		result = append(result, Change{Existing: duplicate, Modified: tombstoned, Diff: map[string]any{"tombstoned": true}})
	}
	return result, nil
}

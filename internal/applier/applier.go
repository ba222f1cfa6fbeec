// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package applier is the Event Applier Registry & Service (spec §4.4, L4): appliers
// are pure functions of (entity, form, lookup) — no wall-clock reads, no I/O, no
// randomness beyond uuids handed to them — so replaying the ordered event log against
// an empty store reproduces byte-identical entity state.
package applier

import (
	"context"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Lookup resolves an existing entity by guid, or returns nil if none exists. Appliers
// call it up front through the Func signature; it may suspend (storage I/O) before
// the applier itself runs, since applier evaluation must never suspend (spec §5).
type Lookup func(ctx context.Context, guid string) (*storage.Entity, error)

// Change is one (existing, modified) pair produced by an applier, paired with the
// diff that becomes the matching audit entry's Changes. Existing is nil for a create.
type Change struct {
	Existing *storage.Entity
	Modified *storage.Entity
	Diff     map[string]any
}

// Result is the vector an applier returns: usually one Change, but e.g. add-member
// yields one for each new member plus one for the updated group.
type Result []Change

// Func is the applier contract from spec §4.4.
type Func func(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error)

// Registry maps an event-type tag to its applier. Duplicate registration for a tag
// replaces the prior applier (spec §4.4).
type Registry struct {
	appliers map[string]Func
}

// NewRegistry returns a Registry seeded with the fixed built-in applier set.
func NewRegistry() *Registry {
	r := &Registry{appliers: make(map[string]Func)}
	r.Register("create-individual", applyCreateIndividual)
	r.Register("create-group", applyCreateGroup)
	r.Register("update-individual", applyUpdateIndividual)
	r.Register("update-group", applyUpdateGroup)
	r.Register("add-member", applyAddMember)
	r.Register("remove-member", applyRemoveMember)
	r.Register("delete-entity", applyDeleteEntity)
	r.Register("resolve-duplicate", applyResolveDuplicate)
	return r
}

// Register installs or replaces the applier for tag.
func (r *Registry) Register(tag string, fn Func) {
	r.appliers[tag] = fn
}

// Lookup returns the applier registered for tag, or a KindValidation error naming the
// unknown event type if none is registered.
func (r *Registry) Lookup(tag string) (Func, error) {
	fn, ok := r.appliers[tag]
	if !ok {
		return nil, engineerrors.New(engineerrors.KindValidation, "unknown event type: "+tag)
	}
	return fn, nil
}

// Apply resolves the applier for form.Type and invokes it against entity.
func (r *Registry) Apply(ctx context.Context, entity *storage.Entity, form storage.FormSubmission, lookup Lookup) (Result, error) {
	fn, err := r.Lookup(form.Type)
	if err != nil {
		return nil, err
	}
	return fn(ctx, entity, form, lookup)
}

func mergeData(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func diffData(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		out[k] = v
	}
	return out
}

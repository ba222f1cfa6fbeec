// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package duplicate is the Duplicate Resolver (spec §4.8, L8): after every create-*
// submission is applied, it consults an in-memory normalized-name index for other
// entities sharing the name and records each as an open PotentialDuplicate. A
// resolve-duplicate event later closes one such record.
package duplicate

import (
	"context"
	"strings"

	"github.com/idpass/datacollect-engine/internal/enginemetrics"
	"github.com/idpass/datacollect-engine/internal/nameindex"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// EntityLister is the narrow entity-store dependency used once, at Reindex time, to
// seed the in-memory name index from whatever the store already holds (e.g. on
// process restart, before any new creates have flowed through OnCreated).
type EntityLister interface {
	GetAll(ctx context.Context) ([]*storage.Entity, error)
}

// Resolver detects and tracks candidate duplicate entities. The candidate search
// itself never touches storage: an internal/nameindex.Index keyed by normalized name
// gives O(1) exact-match lookup of every guid sharing that name, avoiding a
// regex-escaped store query per create (exact-match only, matching the spec's
// "matching normalized name" rule precisely).
type Resolver struct {
	entities EntityLister
	dups     storage.DuplicateStoragePort
	names    *nameindex.Index
}

func New(entities EntityLister, dups storage.DuplicateStoragePort) *Resolver {
	return &Resolver{entities: entities, dups: dups, names: nameindex.New()}
}

// normalizeName lowercases and collapses surrounding whitespace so "Jane Doe" and
// " jane  doe " are recognized as the same candidate name.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Reindex rebuilds the in-memory name index from the entity store. Callers invoke it
// once after opening a tenant's stores, before serving any submissions, so candidates
// created in a prior process lifetime are still found.
func (r *Resolver) Reindex(ctx context.Context) error {
	all, err := r.entities.GetAll(ctx)
	if err != nil {
		return err
	}
	r.names.Clear()
	for _, e := range all {
		norm := normalizeName(e.Name)
		if norm == "" {
			continue
		}
		r.names.Add(norm, e.GUID)
	}
	return nil
}

// OnCreated should be called after a create-individual or create-group submission is
// durably applied. It looks up other entities already indexed under the same
// normalized name and records each as an open PotentialDuplicate paired with newGUID.
func (r *Resolver) OnCreated(ctx context.Context, newGUID, name string) error {
	norm := normalizeName(name)
	if norm == "" {
		return nil
	}
	others := r.names.Add(norm, newGUID)

	for _, other := range others {
		if err := r.dups.Save(ctx, storage.PotentialDuplicate{
			EntityGUID:    newGUID,
			DuplicateGUID: other,
			Status:        storage.DuplicateOpen,
		}); err != nil {
			return err
		}
		enginemetrics.DuplicatesOpened.Inc()
	}
	return nil
}

// Resolve closes an open PotentialDuplicate record for the (entityGUID, duplicateGUID)
// pair (spec §4.8: "a resolve-duplicate event closes one such record").
func (r *Resolver) Resolve(ctx context.Context, entityGUID, duplicateGUID string) error {
	if err := r.dups.Resolve(ctx, entityGUID, duplicateGUID); err != nil {
		return err
	}
	enginemetrics.DuplicatesResolved.Inc()
	return nil
}

func (r *Resolver) ListOpen(ctx context.Context) ([]storage.PotentialDuplicate, error) {
	return r.dups.ListOpen(ctx)
}

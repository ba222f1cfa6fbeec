// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package entitystore is the Entity Store (spec §4.3, L3): a thin façade over
// storage.EntityStoragePort that exposes the applier-facing lookup signature. It does
// not bump versions on save; callers set Version before calling Save.
package entitystore

import (
	"context"
	"time"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Store is the Entity Store façade over a single tenant's EntityStoragePort.
type Store struct {
	port storage.EntityStoragePort
}

func New(port storage.EntityStoragePort) *Store {
	return &Store{port: port}
}

func (s *Store) Initialize(ctx context.Context) error { return s.port.Initialize(ctx) }
func (s *Store) Close(ctx context.Context) error       { return s.port.Close(ctx) }

// Save persists entity as-is; callers (the applier pipeline) are responsible for
// bumping Version before calling Save — the store does not infer intent from a diff,
// since create and update both call Save with the version already set correctly.
func (s *Store) Save(ctx context.Context, e *storage.Entity) error {
	if e.GUID == "" {
		return engineerrors.New(engineerrors.KindValidation, "entity guid is required")
	}
	return s.port.Save(ctx, e)
}

// Lookup matches the applier's `lookup: fn(guid) -> Entity?` contract (spec §4.4):
// returns nil, nil when no entity with guid exists, rather than an error.
func (s *Store) Lookup(ctx context.Context, guid string) (*storage.Entity, error) {
	return s.port.GetByGUID(ctx, guid)
}

func (s *Store) GetByGUID(ctx context.Context, guid string) (*storage.Entity, error) {
	return s.port.GetByGUID(ctx, guid)
}

// GetByExternalID returns at most one entity; used by external pull to avoid
// creating duplicates for records the foreign system already knows about.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*storage.Entity, error) {
	return s.port.GetByExternalID(ctx, externalID)
}

func (s *Store) GetAll(ctx context.Context) ([]*storage.Entity, error) {
	return s.port.GetAll(ctx)
}

// Search runs criteria against the store: filters combine conjunctively within a
// group and disjunctively across groups, sorted by lastUpdated DESC with
// offset/limit pagination (spec §4.3).
func (s *Store) Search(ctx context.Context, criteria storage.SearchCriteria) ([]*storage.Entity, error) {
	return s.port.Search(ctx, criteria)
}

func (s *Store) GetModifiedSince(ctx context.Context, since time.Time) ([]*storage.Entity, error) {
	return s.port.GetModifiedSince(ctx, since)
}

// Delete tombstones the entity (soft delete); it is never physically removed so
// Group memberIds referencing it remain resolvable (spec §4.1 referential integrity).
func (s *Store) Delete(ctx context.Context, guid string) error {
	return s.port.Delete(ctx, guid)
}

// Descendants performs a depth-first, cycle-safe traversal of all transitively
// reachable group members (spec §4.4 "Hierarchical queries"). It collects every
// member into a slice before returning; it does not yield members lazily.
func (s *Store) Descendants(ctx context.Context, groupGUID string) ([]*storage.Entity, error) {
	visited := make(map[string]bool)
	var out []*storage.Entity
	var walk func(guid string) error
	walk = func(guid string) error {
		if visited[guid] {
			return nil
		}
		visited[guid] = true
		e, err := s.port.GetByGUID(ctx, guid)
		if err != nil {
			return err
		}
		if e == nil || e.Type != storage.EntityGroup {
			return nil
		}
		for _, memberID := range e.MemberIDs {
			member, err := s.port.GetByGUID(ctx, memberID)
			if err != nil {
				return err
			}
			if member == nil || member.Tombstoned {
				continue
			}
			out = append(out, member)
			if member.Type == storage.EntityGroup {
				if err := walk(member.GUID); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(groupGUID); err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "walk descendants", err)
	}
	return out, nil
}

// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package memory

import (
	"context"
	"sync"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// DuplicateStore implements storage.DuplicateStoragePort in memory, scoped to a tenant.
// Pairs are normalized (entityGUID, duplicateGUID) so that recording (a,b) and later
// (b,a) is recognized as the same open record (spec §8 "symmetric").
type DuplicateStore struct {
	tenantID string
	mu       sync.Mutex
	byKey    map[string]*storage.PotentialDuplicate
}

func NewDuplicateStore(tenantID string) *DuplicateStore {
	return &DuplicateStore{tenantID: tenantID, byKey: make(map[string]*storage.PotentialDuplicate)}
}

func (s *DuplicateStore) Initialize(ctx context.Context) error { return nil }
func (s *DuplicateStore) Close(ctx context.Context) error       { return nil }

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *DuplicateStore) Save(ctx context.Context, dup storage.PotentialDuplicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(dup.EntityGUID, dup.DuplicateGUID)
	if existing, ok := s.byKey[key]; ok {
		_ = existing
		return nil // already recorded, symmetric dedup (spec §8)
	}
	dup.TenantID = s.tenantID
	if dup.Status == "" {
		dup.Status = storage.DuplicateOpen
	}
	cp := dup
	s.byKey[key] = &cp
	return nil
}

func (s *DuplicateStore) Get(ctx context.Context, entityGUID, duplicateGUID string) (*storage.PotentialDuplicate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byKey[pairKey(entityGUID, duplicateGUID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *DuplicateStore) ListOpen(ctx context.Context) ([]storage.PotentialDuplicate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.PotentialDuplicate, 0)
	for _, d := range s.byKey {
		if d.Status == storage.DuplicateOpen {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *DuplicateStore) Resolve(ctx context.Context, entityGUID, duplicateGUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byKey[pairKey(entityGUID, duplicateGUID)]
	if !ok {
		return engineerrors.New(engineerrors.KindStorage, "duplicate record not found")
	}
	d.Status = storage.DuplicateResolved
	return nil
}

var _ storage.DuplicateStoragePort = (*DuplicateStore)(nil)

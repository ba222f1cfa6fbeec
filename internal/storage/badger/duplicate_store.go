// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package badger

import (
	"context"

	bg "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

const prefixDuplicate = "duplicate/"

// DuplicateStore implements storage.DuplicateStoragePort against a shared *bg.DB,
// namespaced by tenantID, so potential duplicates recorded on the client survive a
// process restart (spec §4.8, L8) the same way internal/storage/memory's DuplicateStore
// keeps them for a test or short-lived run.
type DuplicateStore struct {
	db       *bg.DB
	tenantID string
}

func NewDuplicateStore(db *bg.DB, tenantID string) *DuplicateStore {
	return &DuplicateStore{db: db, tenantID: tenantID}
}

func (s *DuplicateStore) Initialize(ctx context.Context) error { return nil }
func (s *DuplicateStore) Close(ctx context.Context) error       { return nil }

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *DuplicateStore) tk(key string) []byte {
	return []byte(s.tenantID + "/" + prefixDuplicate + key)
}

func (s *DuplicateStore) Save(ctx context.Context, dup storage.PotentialDuplicate) error {
	key := s.tk(pairKey(dup.EntityGUID, dup.DuplicateGUID))
	return s.db.Update(func(txn *bg.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil // already recorded, symmetric dedup (spec §8)
		} else if err != bg.ErrKeyNotFound {
			return err
		}
		dup.TenantID = s.tenantID
		if dup.Status == "" {
			dup.Status = storage.DuplicateOpen
		}
		payload, err := json.Marshal(dup)
		if err != nil {
			return err
		}
		return txn.Set(key, payload)
	})
}

func (s *DuplicateStore) Get(ctx context.Context, entityGUID, duplicateGUID string) (*storage.PotentialDuplicate, error) {
	var dup storage.PotentialDuplicate
	var found bool
	err := s.db.View(func(txn *bg.Txn) error {
		item, err := txn.Get(s.tk(pairKey(entityGUID, duplicateGUID)))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &dup) })
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get duplicate", err)
	}
	if !found {
		return nil, nil
	}
	return &dup, nil
}

func (s *DuplicateStore) ListOpen(ctx context.Context) ([]storage.PotentialDuplicate, error) {
	out := make([]storage.PotentialDuplicate, 0)
	err := s.db.View(func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(s.tenantID + "/" + prefixDuplicate)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dup storage.PotentialDuplicate
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &dup) }); err != nil {
				return err
			}
			if dup.Status == storage.DuplicateOpen {
				out = append(out, dup)
			}
		}
		return nil
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "list open duplicates", err)
	}
	return out, nil
}

func (s *DuplicateStore) Resolve(ctx context.Context, entityGUID, duplicateGUID string) error {
	key := s.tk(pairKey(entityGUID, duplicateGUID))
	return s.db.Update(func(txn *bg.Txn) error {
		item, err := txn.Get(key)
		if err == bg.ErrKeyNotFound {
			return engineerrors.New(engineerrors.KindStorage, "duplicate record not found")
		}
		if err != nil {
			return err
		}
		var dup storage.PotentialDuplicate
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &dup) }); err != nil {
			return err
		}
		dup.Status = storage.DuplicateResolved
		payload, err := json.Marshal(dup)
		if err != nil {
			return err
		}
		return txn.Set(key, payload)
	})
}

var _ storage.DuplicateStoragePort = (*DuplicateStore)(nil)

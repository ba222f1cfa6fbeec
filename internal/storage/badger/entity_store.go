// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package badger

import (
	"context"
	"sort"
	"time"

	bg "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

const (
	prefixEntity   = "entity/"
	prefixEntityEx = "entity_ext/"
)

// EntityStore implements storage.EntityStoragePort against a shared *bg.DB, namespaced
// by tenantID, mirroring EventStore's key layout and transaction plumbing.
type EntityStore struct {
	db       *bg.DB
	tenantID string
}

func NewEntityStore(db *bg.DB, tenantID string) *EntityStore {
	return &EntityStore{db: db, tenantID: tenantID}
}

func (s *EntityStore) tk(parts ...string) []byte {
	key := s.tenantID
	for _, p := range parts {
		key += "/" + p
	}
	return []byte(key)
}

func (s *EntityStore) Initialize(ctx context.Context) error { return nil }
func (s *EntityStore) Close(ctx context.Context) error       { return nil }

func (s *EntityStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txnFrom(ctx) != nil {
		return fn(ctx)
	}
	return s.db.Update(func(txn *bg.Txn) error {
		return fn(context.WithValue(ctx, txnKey{}, txn))
	})
}

func (s *EntityStore) runRW(ctx context.Context, fn func(txn *bg.Txn) error) error {
	if txn := txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	return s.db.Update(fn)
}

func (s *EntityStore) runRO(ctx context.Context, fn func(txn *bg.Txn) error) error {
	if txn := txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	return s.db.View(fn)
}

func (s *EntityStore) getLocked(txn *bg.Txn, guid string) (*storage.Entity, error) {
	item, err := txn.Get(s.tk(prefixEntity, guid))
	if err == bg.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e storage.Entity
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *EntityStore) Save(ctx context.Context, entity *storage.Entity) error {
	if entity.GUID == "" {
		return engineerrors.New(engineerrors.KindValidation, "entity guid must not be empty")
	}
	err := s.runRW(ctx, func(txn *bg.Txn) error {
		if entity.ExternalID != nil {
			item, err := txn.Get(s.tk(prefixEntityEx, *entity.ExternalID))
			if err != nil && err != bg.ErrKeyNotFound {
				return err
			}
			if err == nil {
				var existingGUID string
				if verr := item.Value(func(val []byte) error { existingGUID = string(val); return nil }); verr != nil {
					return verr
				}
				if existingGUID != entity.GUID {
					return engineerrors.New(engineerrors.KindConflict, "externalId already bound to a different guid")
				}
			}
		}
		cp := entity.Clone()
		cp.TenantID = s.tenantID
		payload, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		if err := txn.Set(s.tk(prefixEntity, cp.GUID), payload); err != nil {
			return err
		}
		if cp.ExternalID != nil {
			if err := txn.Set(s.tk(prefixEntityEx, *cp.ExternalID), []byte(cp.GUID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "save entity", err)
	}
	return nil
}

func (s *EntityStore) GetByGUID(ctx context.Context, guid string) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		e, err := s.getLocked(txn, guid)
		out = e
		return err
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get entity", err)
	}
	return out, nil
}

func (s *EntityStore) GetByExternalID(ctx context.Context, externalID string) (*storage.Entity, error) {
	var out *storage.Entity
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		item, err := txn.Get(s.tk(prefixEntityEx, externalID))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var guid string
		if err := item.Value(func(val []byte) error { guid = string(val); return nil }); err != nil {
			return err
		}
		e, err := s.getLocked(txn, guid)
		out = e
		return err
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get entity by external id", err)
	}
	return out, nil
}

func (s *EntityStore) scan(ctx context.Context, includeTombstoned bool) ([]*storage.Entity, error) {
	var out []*storage.Entity
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		prefix := s.tk(prefixEntity)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e storage.Entity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.Tombstoned && !includeTombstoned {
				continue
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func (s *EntityStore) GetAll(ctx context.Context) ([]*storage.Entity, error) {
	out, err := s.scan(ctx, false)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get all entities", err)
	}
	sortEntitiesByLastUpdatedDesc(out)
	return out, nil
}

func (s *EntityStore) GetModifiedSince(ctx context.Context, since time.Time) ([]*storage.Entity, error) {
	all, err := s.scan(ctx, true)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get modified since", err)
	}
	out := make([]*storage.Entity, 0, len(all))
	for _, e := range all {
		if !e.LastUpdated.Before(since) {
			out = append(out, e)
		}
	}
	sortEntitiesByLastUpdatedDesc(out)
	return out, nil
}

func (s *EntityStore) Delete(ctx context.Context, guid string) error {
	err := s.runRW(ctx, func(txn *bg.Txn) error {
		e, err := s.getLocked(txn, guid)
		if err != nil {
			return err
		}
		if e == nil {
			return engineerrors.New(engineerrors.KindStorage, "entity not found")
		}
		e.Tombstoned = true
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(s.tk(prefixEntity, guid), payload)
	})
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "delete entity", err)
	}
	return nil
}

func (s *EntityStore) Clear(ctx context.Context) error {
	return s.db.Update(func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		for _, prefix := range [][]byte{s.tk(prefixEntity), s.tk(prefixEntityEx)} {
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, append([]byte{}, it.Item().Key()...))
			}
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Search runs criteria-based filtering over the full tenant scan. Badger has no
// secondary index support worth building for this, so filtering happens in process
// with the same matching/paging rules as the in-memory store
// (internal/storage/memory/entity_store.go), using this package's own copy of the
// evaluator in filter.go.
func (s *EntityStore) Search(ctx context.Context, criteria storage.SearchCriteria) ([]*storage.Entity, error) {
	all, err := s.scan(ctx, false)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "search entities", err)
	}

	limit := criteria.Limit
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}

	matched := make([]*storage.Entity, 0)
	for _, e := range all {
		if len(criteria.Groups) == 0 {
			matched = append(matched, e)
			continue
		}
		for _, group := range criteria.Groups {
			if matchesGroup(e, group) {
				matched = append(matched, e)
				break
			}
		}
	}

	sortEntitiesByLastUpdatedDesc(matched)

	if criteria.Offset >= len(matched) {
		return []*storage.Entity{}, nil
	}
	end := criteria.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[criteria.Offset:end], nil
}

func sortEntitiesByLastUpdatedDesc(entities []*storage.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LastUpdated.After(entities[j].LastUpdated)
	})
}

var _ storage.EntityStoragePort = (*EntityStore)(nil)

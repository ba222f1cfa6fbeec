// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package badger implements the storage ports against an embedded BadgerDB database
// — the client-side backend (spec §3), where the registry engine runs inside a
// resource-constrained host without a server process of its own. Keys are namespaced
// by tenant and logical table, modeled on the teacher's WAL/session badger usage
// (internal/wal/wal.go, internal/auth/session_badger.go): badger.DefaultOptions plus
// txn.Update/View for every compound write.
package badger

import (
	"context"
	"sort"
	"sync"
	"time"

	bg "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// keyspace prefixes, namespaced further by tenant id.
const (
	prefixEvent      = "event/"
	prefixEventByID  = "event_by_id/"
	prefixAudit      = "audit/"
	prefixMerkle     = "merkle"
	prefixMarks      = "marks"
	prefixNextID     = "next_id"
)

// EventStore implements storage.EventStoragePort against a shared *bg.DB, namespaced
// by tenantID. WithTransaction uses badger's native transactions directly, so
// atomicity comes from the backend rather than an in-memory emulation.
type EventStore struct {
	db       *bg.DB
	tenantID string
	mu       sync.Mutex // serializes the read-modify-write next-id sequence
}

func NewEventStore(db *bg.DB, tenantID string) *EventStore {
	return &EventStore{db: db, tenantID: tenantID}
}

func (s *EventStore) tk(parts ...string) []byte {
	key := s.tenantID
	for _, p := range parts {
		key += "/" + p
	}
	return []byte(key)
}

func (s *EventStore) Initialize(ctx context.Context) error { return nil }
func (s *EventStore) Close(ctx context.Context) error       { return nil }

// WithTransaction runs fn inside a single badger transaction; any error aborts the
// whole write (spec §4.1 contract).
func (s *EventStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.Update(func(txn *bg.Txn) error {
		return fn(context.WithValue(ctx, txnKey{}, txn))
	})
}

type txnKey struct{}

func txnFrom(ctx context.Context) *bg.Txn {
	if t, ok := ctx.Value(txnKey{}).(*bg.Txn); ok {
		return t
	}
	return nil
}

// runRW executes fn against the ambient transaction if WithTransaction is active,
// else opens a fresh read-write transaction for a single-operation write.
func (s *EventStore) runRW(ctx context.Context, fn func(txn *bg.Txn) error) error {
	if txn := txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	return s.db.Update(fn)
}

func (s *EventStore) runRO(ctx context.Context, fn func(txn *bg.Txn) error) error {
	if txn := txnFrom(ctx); txn != nil {
		return fn(txn)
	}
	return s.db.View(fn)
}

func (s *EventStore) SaveEvents(ctx context.Context, events []storage.FormSubmission) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(events))
	err := s.runRW(ctx, func(txn *bg.Txn) error {
		next, err := s.nextIDLocked(txn)
		if err != nil {
			return err
		}
		for _, e := range events {
			stored := storage.StoredEvent{ID: next, FormSubmission: e}
			payload, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(s.tk(prefixEvent, e.GUID), payload); err != nil {
				return err
			}
			idKey := s.tk(prefixEventByID, itoa(next))
			if err := txn.Set(idKey, []byte(e.GUID)); err != nil {
				return err
			}
			ids = append(ids, next)
			next++
		}
		return txn.Set(s.tk(prefixNextID), []byte(itoa(next)))
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "save events", err)
	}
	return ids, nil
}

func (s *EventStore) nextIDLocked(txn *bg.Txn) (int64, error) {
	item, err := txn.Get(s.tk(prefixNextID))
	if err == bg.ErrKeyNotFound {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(v []byte) error {
		n = parseInt64(v)
		return nil
	})
	return n, err
}

func (s *EventStore) GetAll(ctx context.Context) ([]storage.StoredEvent, error) {
	var out []storage.StoredEvent
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		prefix := s.tk(prefixEvent)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e storage.StoredEvent
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "read event log", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].GUID < out[j].GUID
	})
	return out, nil
}

func (s *EventStore) GetSince(ctx context.Context, since time.Time) ([]storage.StoredEvent, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.StoredEvent
	for _, e := range all {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EventStore) GetSincePaginated(ctx context.Context, since time.Time, cursor storage.Cursor, pageSize int) ([]storage.StoredEvent, storage.Cursor, bool, error) {
	all, err := s.GetSince(ctx, since)
	if err != nil {
		return nil, storage.Cursor{}, false, err
	}
	start := 0
	if !cursor.IsZero() {
		for i, e := range all {
			if e.Timestamp.After(cursor.Timestamp) || (e.Timestamp.Equal(cursor.Timestamp) && e.GUID > cursor.GUID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	end := start + pageSize
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := cursor
	if len(page) > 0 {
		last := page[len(page)-1]
		next = storage.Cursor{Timestamp: last.Timestamp, GUID: last.GUID}
	}
	return page, next, hasMore, nil
}

func (s *EventStore) UpdateSyncLevel(ctx context.Context, eventID int64, level storage.SyncLevel) error {
	return s.runRW(ctx, func(txn *bg.Txn) error {
		idItem, err := txn.Get(s.tk(prefixEventByID, itoa(eventID)))
		if err != nil {
			return engineerrors.New(engineerrors.KindStorage, "event id not found")
		}
		var guid string
		if err := idItem.Value(func(v []byte) error { guid = string(v); return nil }); err != nil {
			return err
		}
		item, err := txn.Get(s.tk(prefixEvent, guid))
		if err != nil {
			return err
		}
		var e storage.StoredEvent
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
			return err
		}
		if level < e.SyncLevel {
			return engineerrors.New(engineerrors.KindValidation, "invalid sync level transition: downgrade rejected")
		}
		e.SyncLevel = level
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(s.tk(prefixEvent, guid), payload)
	})
}

func (s *EventStore) IsEventExisted(ctx context.Context, formGUID string) (bool, error) {
	var existed bool
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		_, err := txn.Get(s.tk(prefixEvent, formGUID))
		if err == bg.ErrKeyNotFound {
			existed = false
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return nil
	})
	return existed, err
}

func (s *EventStore) SaveAudit(ctx context.Context, entries []storage.AuditLogEntry) error {
	return s.runRW(ctx, func(txn *bg.Txn) error {
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := txn.Set(s.tk(prefixAudit, entry.GUID), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *EventStore) GetAuditAll(ctx context.Context) ([]storage.AuditLogEntry, error) {
	var out []storage.AuditLogEntry
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		prefix := s.tk(prefixAudit)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a storage.AuditLogEntry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &a) }); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "read audit log", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *EventStore) GetAuditSince(ctx context.Context, since time.Time) ([]storage.AuditLogEntry, error) {
	all, err := s.GetAuditAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.AuditLogEntry
	for _, a := range all {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *EventStore) GetAuditByEntity(ctx context.Context, entityGUID string) ([]storage.AuditLogEntry, error) {
	all, err := s.GetAuditAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.AuditLogEntry
	for _, a := range all {
		if a.EntityGUID == entityGUID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *EventStore) SaveMerkleRoot(ctx context.Context, root storage.MerkleRoot) error {
	return s.runRW(ctx, func(txn *bg.Txn) error {
		payload, err := json.Marshal(root)
		if err != nil {
			return err
		}
		return txn.Set(s.tk(prefixMerkle), payload)
	})
}

func (s *EventStore) GetMerkleRoot(ctx context.Context) (storage.MerkleRoot, error) {
	var root storage.MerkleRoot
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		item, err := txn.Get(s.tk(prefixMerkle))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &root) })
	})
	return root, err
}

func (s *EventStore) GetHighWaterMarks(ctx context.Context) (storage.HighWaterMarks, error) {
	var marks storage.HighWaterMarks
	err := s.runRO(ctx, func(txn *bg.Txn) error {
		item, err := txn.Get(s.tk(prefixMarks))
		if err == bg.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &marks) })
	})
	return marks, err
}

func (s *EventStore) setMark(ctx context.Context, apply func(*storage.HighWaterMarks) bool) error {
	return s.runRW(ctx, func(txn *bg.Txn) error {
		var marks storage.HighWaterMarks
		item, err := txn.Get(s.tk(prefixMarks))
		if err != nil && err != bg.ErrKeyNotFound {
			return err
		}
		if err == nil {
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &marks) }); err != nil {
				return err
			}
		}
		if !apply(&marks) {
			return nil
		}
		payload, err := json.Marshal(marks)
		if err != nil {
			return err
		}
		return txn.Set(s.tk(prefixMarks), payload)
	})
}

func (s *EventStore) SetLastPushInternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, func(m *storage.HighWaterMarks) bool {
		if t.Before(m.LastPushInternal) {
			return false
		}
		m.LastPushInternal = t
		return true
	})
}

func (s *EventStore) SetLastPullInternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, func(m *storage.HighWaterMarks) bool {
		if t.Before(m.LastPullInternal) {
			return false
		}
		m.LastPullInternal = t
		return true
	})
}

func (s *EventStore) SetLastPushExternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, func(m *storage.HighWaterMarks) bool {
		if t.Before(m.LastPushExternal) {
			return false
		}
		m.LastPushExternal = t
		return true
	})
}

func (s *EventStore) SetLastPullExternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, func(m *storage.HighWaterMarks) bool {
		if t.Before(m.LastPullExternal) {
			return false
		}
		m.LastPullExternal = t
		return true
	})
}

func (s *EventStore) Clear(ctx context.Context) error {
	return s.db.Update(func(txn *bg.Txn) error {
		it := txn.NewIterator(bg.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(s.tenantID + "/")
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte{}, it.Item().Key()...))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func parseInt64(b []byte) int64 {
	var n int64
	neg := false
	for i, c := range b {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

var _ storage.EventStoragePort = (*EventStore)(nil)

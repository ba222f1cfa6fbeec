// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package memory implements every storage port entirely in process memory. It is the
// default test harness for the engine (spec §9 "Pluggable storage": concrete
// implementations injected at construction; in-memory for tests) and backs the
// per-tenant write guard the submit pipeline and sync managers rely on (spec §5).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// EventStore implements storage.EventStoragePort over in-memory slices/maps, scoped to
// a single tenant.
type EventStore struct {
	tenantID string

	mu         sync.Mutex
	events     []storage.StoredEvent
	byGUID     map[string]int64
	nextID     int64
	audit      []storage.AuditLogEntry
	root       storage.MerkleRoot
	marks      storage.HighWaterMarks
	inTxn      bool
}

// New builds an in-memory EventStoragePort for the given tenant.
func NewEventStore(tenantID string) *EventStore {
	return &EventStore{
		tenantID: tenantID,
		byGUID:   make(map[string]int64),
	}
}

func (s *EventStore) Initialize(ctx context.Context) error { return nil }
func (s *EventStore) Close(ctx context.Context) error       { return nil }

// WithTransaction emulates a native transaction (spec §9: "implementations without
// native transactions supply a best-effort emulation"): it snapshots the store, runs
// fn, and restores the snapshot if fn returns an error. The mutex is held only while
// taking and restoring the snapshot, not while fn runs, so the port methods fn calls
// lock it as usual; isolation from other writers relies on the caller serializing its
// writes.
func (s *EventStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.inTxn {
		s.mu.Unlock()
		return fn(ctx)
	}
	s.inTxn = true

	// Snapshot for rollback-on-failure (spec §4.2: "if any event's append fails, the
	// whole batch is rolled back").
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	err := fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = false
	if err != nil {
		s.restoreLocked(snapshot)
	}
	return err
}

type txnSnapshot struct {
	events []storage.StoredEvent
	byGUID map[string]int64
	nextID int64
	audit  []storage.AuditLogEntry
	root   storage.MerkleRoot
	marks  storage.HighWaterMarks
}

func (s *EventStore) snapshotLocked() txnSnapshot {
	byGUID := make(map[string]int64, len(s.byGUID))
	for k, v := range s.byGUID {
		byGUID[k] = v
	}
	return txnSnapshot{
		events: append([]storage.StoredEvent(nil), s.events...),
		byGUID: byGUID,
		nextID: s.nextID,
		audit:  append([]storage.AuditLogEntry(nil), s.audit...),
		root:   s.root,
		marks:  s.marks,
	}
}

func (s *EventStore) restoreLocked(snap txnSnapshot) {
	s.events = snap.events
	s.byGUID = snap.byGUID
	s.nextID = snap.nextID
	s.audit = snap.audit
	s.root = snap.root
	s.marks = snap.marks
}

// lock acquires the mutex for the duration of one port method and returns its release.
// WithTransaction does not hold the mutex while its fn runs, so every port method is
// safe to call both standalone and from inside fn.
func (s *EventStore) lock() func() {
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *EventStore) SaveEvents(ctx context.Context, events []storage.FormSubmission) ([]int64, error) {
	unlock := s.lock()
	defer unlock()

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		if _, exists := s.byGUID[e.GUID]; exists {
			// Idempotent re-submission: silently dropped (spec §4.2).
			ids = append(ids, s.byGUID[e.GUID])
			continue
		}
		e.TenantID = s.tenantID
		s.nextID++
		id := s.nextID
		stored := storage.StoredEvent{ID: id, FormSubmission: e}
		s.events = append(s.events, stored)
		s.byGUID[e.GUID] = id
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *EventStore) GetAll(ctx context.Context) ([]storage.StoredEvent, error) {
	unlock := s.lock()
	defer unlock()
	return sortedCopy(s.events), nil
}

func (s *EventStore) GetSince(ctx context.Context, since time.Time) ([]storage.StoredEvent, error) {
	unlock := s.lock()
	defer unlock()
	out := make([]storage.StoredEvent, 0)
	for _, e := range sortedCopy(s.events) {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EventStore) GetSincePaginated(ctx context.Context, since time.Time, cursor storage.Cursor, pageSize int) ([]storage.StoredEvent, storage.Cursor, bool, error) {
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	all, err := s.GetSince(ctx, since)
	if err != nil {
		return nil, storage.Cursor{}, false, err
	}

	start := 0
	if !cursor.IsZero() {
		for i, e := range all {
			if afterCursor(e, cursor) {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(all) {
		return nil, cursor, false, nil
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

func afterCursor(e storage.StoredEvent, c storage.Cursor) bool {
	if e.Timestamp.After(c.Timestamp) {
		return true
	}
	if e.Timestamp.Equal(c.Timestamp) {
		return e.GUID > c.GUID
	}
	return false
}

func sortedCopy(events []storage.StoredEvent) []storage.StoredEvent {
	out := append([]storage.StoredEvent(nil), events...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].GUID < out[j].GUID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (s *EventStore) UpdateSyncLevel(ctx context.Context, eventID int64, level storage.SyncLevel) error {
	unlock := s.lock()
	defer unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			if level < s.events[i].SyncLevel {
				return engineerrors.New(engineerrors.KindValidation, "invalid sync level transition: downgrade rejected")
			}
			s.events[i].SyncLevel = level
			return nil
		}
	}
	return engineerrors.New(engineerrors.KindStorage, "event not found")
}

func (s *EventStore) IsEventExisted(ctx context.Context, formGUID string) (bool, error) {
	unlock := s.lock()
	defer unlock()
	_, ok := s.byGUID[formGUID]
	return ok, nil
}

func (s *EventStore) SaveAudit(ctx context.Context, entries []storage.AuditLogEntry) error {
	unlock := s.lock()
	defer unlock()
	for _, e := range entries {
		e.TenantID = s.tenantID
		s.audit = append(s.audit, e)
	}
	return nil
}

func (s *EventStore) GetAuditAll(ctx context.Context) ([]storage.AuditLogEntry, error) {
	unlock := s.lock()
	defer unlock()
	return append([]storage.AuditLogEntry(nil), s.audit...), nil
}

func (s *EventStore) GetAuditSince(ctx context.Context, since time.Time) ([]storage.AuditLogEntry, error) {
	unlock := s.lock()
	defer unlock()
	out := make([]storage.AuditLogEntry, 0)
	for _, e := range s.audit {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EventStore) GetAuditByEntity(ctx context.Context, entityGUID string) ([]storage.AuditLogEntry, error) {
	unlock := s.lock()
	defer unlock()
	out := make([]storage.AuditLogEntry, 0)
	for _, e := range s.audit {
		if e.EntityGUID == entityGUID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *EventStore) SaveMerkleRoot(ctx context.Context, root storage.MerkleRoot) error {
	unlock := s.lock()
	defer unlock()
	s.root = root
	return nil
}

func (s *EventStore) GetMerkleRoot(ctx context.Context) (storage.MerkleRoot, error) {
	unlock := s.lock()
	defer unlock()
	return s.root, nil
}

func (s *EventStore) GetHighWaterMarks(ctx context.Context) (storage.HighWaterMarks, error) {
	unlock := s.lock()
	defer unlock()
	return s.marks, nil
}

func (s *EventStore) SetLastPushInternal(ctx context.Context, t time.Time) error {
	unlock := s.lock()
	defer unlock()
	if t.Before(s.marks.LastPushInternal) {
		return nil
	}
	s.marks.LastPushInternal = t
	return nil
}

func (s *EventStore) SetLastPullInternal(ctx context.Context, t time.Time) error {
	unlock := s.lock()
	defer unlock()
	if t.Before(s.marks.LastPullInternal) {
		return nil
	}
	s.marks.LastPullInternal = t
	return nil
}

func (s *EventStore) SetLastPushExternal(ctx context.Context, t time.Time) error {
	unlock := s.lock()
	defer unlock()
	if t.Before(s.marks.LastPushExternal) {
		return nil
	}
	s.marks.LastPushExternal = t
	return nil
}

func (s *EventStore) SetLastPullExternal(ctx context.Context, t time.Time) error {
	unlock := s.lock()
	defer unlock()
	if t.Before(s.marks.LastPullExternal) {
		return nil
	}
	s.marks.LastPullExternal = t
	return nil
}

func (s *EventStore) Clear(ctx context.Context) error {
	unlock := s.lock()
	defer unlock()
	s.events = nil
	s.byGUID = make(map[string]int64)
	s.nextID = 0
	s.audit = nil
	s.root = storage.MerkleRoot{}
	s.marks = storage.HighWaterMarks{}
	return nil
}

var _ storage.EventStoragePort = (*EventStore)(nil)

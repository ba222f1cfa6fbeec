// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package eventstore is the Event Store (spec §4.2, L2): it wraps an
// storage.EventStoragePort and is the sole owner of Merkle-root maintenance. Every
// append recomputes the root over the full ordered log and persists it atomically with
// the event/audit write.
package eventstore

import (
	"context"
	"time"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/enginelog"
	"github.com/idpass/datacollect-engine/internal/enginemetrics"
	"github.com/idpass/datacollect-engine/internal/merkle"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Store is the Event Store façade over a single tenant's EventStoragePort.
type Store struct {
	port storage.EventStoragePort
}

func New(port storage.EventStoragePort) *Store {
	return &Store{port: port}
}

func (s *Store) Initialize(ctx context.Context) error { return s.port.Initialize(ctx) }
func (s *Store) Close(ctx context.Context) error       { return s.port.Close(ctx) }

// AuditEntryInput is supplied by the caller (the applier pipeline) alongside each event
// so the Event Store can append the matching audit entries inside the same compound
// write, without owning applier logic itself. One event can fan out to several audit
// entries: a create-group submission, for instance, modifies the group and every
// newly created member, and each gets its own entry keyed by its own guid (spec §8
// scenario 2: "1 event; 3 audit entries").
type AuditEntryInput struct {
	Event  storage.FormSubmission
	Audits []AuditDetail
}

// AuditDetail is one (entity, diff) pair to record against Event. EntityGUID defaults
// to the parent event's EntityGUID when Audits is left empty.
type AuditDetail struct {
	EntityGUID string
	Changes    map[string]any
}

// AppendResult reports the assigned ids for events that were not silently dropped as
// idempotent re-submissions, plus the form guids of the ones that were (Skipped).
type AppendResult struct {
	IDs     []int64
	Skipped []string // form guids that already existed and were dropped
}

// Append appends events (and their matching audit entries) in one compound write,
// recomputes the Merkle root over the full resulting log, and persists it. If any event
// fails to append, the whole batch rolls back (delegated to the port's WithTransaction).
func (s *Store) Append(ctx context.Context, inputs []AuditEntryInput) (AppendResult, error) {
	var result AppendResult

	err := s.port.WithTransaction(ctx, func(ctx context.Context) error {
		toSave := make([]storage.FormSubmission, 0, len(inputs))
		skippedSet := make(map[string]bool)
		for _, in := range inputs {
			existed, err := s.port.IsEventExisted(ctx, in.Event.GUID)
			if err != nil {
				return engineerrors.Wrap(engineerrors.KindStorage, "check event existence", err)
			}
			if existed {
				skippedSet[in.Event.GUID] = true
				continue
			}
			toSave = append(toSave, in.Event)
		}

		var ids []int64
		if len(toSave) > 0 {
			var err error
			ids, err = s.port.SaveEvents(ctx, toSave)
			if err != nil {
				return engineerrors.Wrap(engineerrors.KindStorage, "save events", err)
			}
		}

		audit := make([]storage.AuditLogEntry, 0, len(toSave))
		for _, in := range inputs {
			if skippedSet[in.Event.GUID] {
				continue
			}
			details := in.Audits
			if len(details) == 0 {
				details = []AuditDetail{{EntityGUID: in.Event.EntityGUID}}
			}
			for _, d := range details {
				entityGUID := d.EntityGUID
				if entityGUID == "" {
					entityGUID = in.Event.EntityGUID
				}
				audit = append(audit, storage.AuditLogEntry{
					GUID:       enginelog.NewGUID(),
					EventGUID:  in.Event.GUID,
					EntityGUID: entityGUID,
					Action:     in.Event.Type,
					UserID:     in.Event.UserID,
					Timestamp:  in.Event.Timestamp,
					Changes:    d.Changes,
					SyncLevel:  in.Event.SyncLevel,
				})
			}
		}
		if len(audit) > 0 {
			if err := s.port.SaveAudit(ctx, audit); err != nil {
				return engineerrors.Wrap(engineerrors.KindStorage, "save audit", err)
			}
		}

		root, err := s.recomputeRootLocked(ctx)
		if err != nil {
			return err
		}
		if err := s.port.SaveMerkleRoot(ctx, root); err != nil {
			return engineerrors.Wrap(engineerrors.KindStorage, "save merkle root", err)
		}

		result.IDs = ids
		for guid := range skippedSet {
			result.Skipped = append(result.Skipped, guid)
		}
		enginemetrics.EventsAppended.Add(float64(len(toSave)))
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return result, nil
}

func (s *Store) recomputeRootLocked(ctx context.Context) (storage.MerkleRoot, error) {
	all, err := s.port.GetAll(ctx)
	if err != nil {
		return storage.MerkleRoot{}, engineerrors.Wrap(engineerrors.KindStorage, "read event log for merkle root", err)
	}
	forms := make([]storage.FormSubmission, len(all))
	for i, e := range all {
		forms[i] = e.FormSubmission
	}
	return storage.MerkleRoot{
		Hash:      merkle.Root(forms),
		UpdatedAt: timeNow(),
		LeafCount: len(forms),
	}, nil
}

// timeNow is a var so tests can freeze time without a host clock dependency leaking
// into applier determinism (the appliers themselves never call time.Now directly).
var timeNow = time.Now

func (s *Store) GetAll(ctx context.Context) ([]storage.StoredEvent, error) {
	return s.port.GetAll(ctx)
}

func (s *Store) GetSince(ctx context.Context, since time.Time) ([]storage.StoredEvent, error) {
	return s.port.GetSince(ctx, since)
}

// GetSincePaginated returns events with timestamp >= since, page-size bounded (default
// 10), ordered (timestamp ASC, guid ASC) for a stable total order (spec §4.2). Passing
// the returned cursor back resumes strictly after the last emitted event.
func (s *Store) GetSincePaginated(ctx context.Context, since time.Time, cursor storage.Cursor, pageSize int) ([]storage.StoredEvent, storage.Cursor, bool, error) {
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	return s.port.GetSincePaginated(ctx, since, cursor, pageSize)
}

// UpdateSyncLevel only allows monotonic upgrades; a downgrade fails (delegated to the
// port, which enforces the invariant so every backend shares one source of truth).
func (s *Store) UpdateSyncLevel(ctx context.Context, eventID int64, level storage.SyncLevel) error {
	return s.port.UpdateSyncLevel(ctx, eventID, level)
}

func (s *Store) IsEventExisted(ctx context.Context, formGUID string) (bool, error) {
	return s.port.IsEventExisted(ctx, formGUID)
}

func (s *Store) GetAuditByEntity(ctx context.Context, guid string) ([]storage.AuditLogEntry, error) {
	return s.port.GetAuditByEntity(ctx, guid)
}

func (s *Store) GetAuditSince(ctx context.Context, since time.Time) ([]storage.AuditLogEntry, error) {
	return s.port.GetAuditSince(ctx, since)
}

func (s *Store) GetMerkleRoot(ctx context.Context) (storage.MerkleRoot, error) {
	return s.port.GetMerkleRoot(ctx)
}

func (s *Store) GetHighWaterMarks(ctx context.Context) (storage.HighWaterMarks, error) {
	return s.port.GetHighWaterMarks(ctx)
}

func (s *Store) SetLastPushInternal(ctx context.Context, t time.Time) error {
	return s.port.SetLastPushInternal(ctx, t)
}
func (s *Store) SetLastPullInternal(ctx context.Context, t time.Time) error {
	return s.port.SetLastPullInternal(ctx, t)
}
func (s *Store) SetLastPushExternal(ctx context.Context, t time.Time) error {
	return s.port.SetLastPushExternal(ctx, t)
}
func (s *Store) SetLastPullExternal(ctx context.Context, t time.Time) error {
	return s.port.SetLastPullExternal(ctx, t)
}

// HasUnsyncedEvents reports whether any event's syncLevel is below SYNCED (spec §4.5).
func (s *Store) HasUnsyncedEvents(ctx context.Context) (bool, error) {
	all, err := s.port.GetAll(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range all {
		if e.SyncLevel < storage.LevelSynced {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	all, err := s.port.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range all {
		if e.SyncLevel < storage.LevelSynced {
			n++
		}
	}
	return n, nil
}

// Snapshot reports the current Merkle root, the event count it covers, and when it was
// taken (spec_full.md §4 snapshot/compaction supplement).
func (s *Store) Snapshot(ctx context.Context) (storage.MerkleRoot, error) {
	return s.port.GetMerkleRoot(ctx)
}

// VerifyIntegrity recomputes the root from the full event log and compares it against
// the stored root, surfacing a KindIntegrity error on mismatch (spec §7, §8 "Merkle
// agreement").
func (s *Store) VerifyIntegrity(ctx context.Context) error {
	stored, err := s.port.GetMerkleRoot(ctx)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "read stored merkle root", err)
	}
	all, err := s.port.GetAll(ctx)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "read event log", err)
	}
	forms := make([]storage.FormSubmission, len(all))
	for i, e := range all {
		forms[i] = e.FormSubmission
	}
	if !merkle.Verify(forms, stored.Hash) {
		return engineerrors.New(engineerrors.KindIntegrity, "merkle root does not match recomputed value")
	}
	return nil
}

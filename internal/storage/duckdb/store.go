// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package duckdb implements storage.EventStoragePort and storage.EntityStoragePort
// against an embedded DuckDB database — the server-side backend (spec §3), where the
// registry engine runs as a long-lived process able to serve analytical queries over
// its own event/entity history. Modeled on the teacher's database/sql usage
// (internal/audit/duckdb_store.go, internal/database/database.go): sql.Open("duckdb",
// path), JSON columns cast to VARCHAR for scanning, goccy/go-json for encode/decode.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// Open opens (creating if necessary) a DuckDB database file at path, shared across
// every tenant's Event/Entity stores constructed against it.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "open duckdb", err)
	}
	return db, nil
}

// EventStore implements storage.EventStoragePort against a shared *sql.DB, scoped to
// a single tenant via a tenant_id column on every table.
type EventStore struct {
	db       *sql.DB
	tenantID string
	mu       sync.Mutex // duckdb's Go driver serializes writers per connection; this
	// keeps the compound append+audit+mark writes atomic at the application level to
	// match the transaction contract every other backend offers (spec §4.1, §9).
}

func NewEventStore(db *sql.DB, tenantID string) *EventStore {
	return &EventStore{db: db, tenantID: tenantID}
}

func (s *EventStore) Initialize(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS registry_events (
			id BIGINT NOT NULL,
			tenant_id TEXT NOT NULL,
			guid TEXT NOT NULL,
			entity_guid TEXT NOT NULL,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			sync_level INTEGER NOT NULL DEFAULT 0,
			data JSON,
			PRIMARY KEY (tenant_id, id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_events_guid ON registry_events(tenant_id, guid);
		CREATE INDEX IF NOT EXISTS idx_registry_events_ts ON registry_events(tenant_id, timestamp, guid);

		CREATE TABLE IF NOT EXISTS registry_audit (
			tenant_id TEXT NOT NULL,
			guid TEXT NOT NULL,
			event_guid TEXT NOT NULL,
			entity_guid TEXT NOT NULL,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			sync_level INTEGER NOT NULL DEFAULT 0,
			changes JSON
		);
		CREATE INDEX IF NOT EXISTS idx_registry_audit_entity ON registry_audit(tenant_id, entity_guid);
		CREATE INDEX IF NOT EXISTS idx_registry_audit_ts ON registry_audit(tenant_id, timestamp);

		CREATE TABLE IF NOT EXISTS registry_merkle_root (
			tenant_id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			leaf_count INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS registry_marks (
			tenant_id TEXT PRIMARY KEY,
			last_push_internal TIMESTAMP,
			last_pull_internal TIMESTAMP,
			last_push_external TIMESTAMP,
			last_pull_external TIMESTAMP
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "create event schema", err)
	}
	return nil
}

func (s *EventStore) Close(ctx context.Context) error { return nil }

type txKey struct{}

func (s *EventStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "begin tx", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "commit tx", err)
	}
	return nil
}

// execer abstracts over *sql.DB and *sql.Tx so every query helper works whether or
// not WithTransaction is active.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *EventStore) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *EventStore) nextID(ctx context.Context, c execer) (int64, error) {
	var maxID sql.NullInt64
	err := c.QueryRowContext(ctx, `SELECT MAX(id) FROM registry_events WHERE tenant_id = ?`, s.tenantID).Scan(&maxID)
	if err != nil {
		return 0, err
	}
	return maxID.Int64 + 1, nil
}

func (s *EventStore) SaveEvents(ctx context.Context, events []storage.FormSubmission) ([]int64, error) {
	c := s.conn(ctx)
	ids := make([]int64, 0, len(events))
	next, err := s.nextID(ctx, c)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "next id", err)
	}
	for _, e := range events {
		var existingID sql.NullInt64
		err := c.QueryRowContext(ctx, `SELECT id FROM registry_events WHERE tenant_id = ? AND guid = ?`, s.tenantID, e.GUID).Scan(&existingID)
		if err == nil {
			ids = append(ids, existingID.Int64)
			continue
		}
		if err != sql.ErrNoRows {
			return nil, engineerrors.Wrap(engineerrors.KindStorage, "check existing event", err)
		}
		payload, merr := json.Marshal(e.Data)
		if merr != nil {
			return nil, merr
		}
		_, err = c.ExecContext(ctx, `
			INSERT INTO registry_events (id, tenant_id, guid, entity_guid, type, user_id, timestamp, sync_level, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			next, s.tenantID, e.GUID, e.EntityGUID, e.Type, e.UserID, e.Timestamp, int(e.SyncLevel), string(payload))
		if err != nil {
			return nil, engineerrors.Wrap(engineerrors.KindStorage, "insert event", err)
		}
		ids = append(ids, next)
		next++
	}
	return ids, nil
}

const eventColumns = `id, guid, entity_guid, type, user_id, timestamp, sync_level, CAST(data AS VARCHAR)`

func (s *EventStore) scanEvents(rows *sql.Rows) ([]storage.StoredEvent, error) {
	defer rows.Close()
	var out []storage.StoredEvent
	for rows.Next() {
		var id int64
		var guid, entityGUID, typ, userID string
		var ts time.Time
		var level int
		var data string
		if err := rows.Scan(&id, &guid, &entityGUID, &typ, &userID, &ts, &level, &data); err != nil {
			return nil, err
		}
		var payload map[string]any
		if data != "" {
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return nil, err
			}
		}
		out = append(out, storage.StoredEvent{
			ID: id,
			FormSubmission: storage.FormSubmission{
				GUID:       guid,
				EntityGUID: entityGUID,
				Type:       typ,
				UserID:     userID,
				Timestamp:  ts,
				SyncLevel:  storage.SyncLevel(level),
				Data:       payload,
				TenantID:   s.tenantID,
			},
		})
	}
	return out, rows.Err()
}

func (s *EventStore) GetAll(ctx context.Context) ([]storage.StoredEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM registry_events WHERE tenant_id = ? ORDER BY timestamp ASC, guid ASC`, s.tenantID)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get all events", err)
	}
	return s.scanEvents(rows)
}

func (s *EventStore) GetSince(ctx context.Context, since time.Time) ([]storage.StoredEvent, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM registry_events WHERE tenant_id = ? AND timestamp >= ? ORDER BY timestamp ASC, guid ASC`, s.tenantID, since)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get since", err)
	}
	return s.scanEvents(rows)
}

func (s *EventStore) GetSincePaginated(ctx context.Context, since time.Time, cursor storage.Cursor, pageSize int) ([]storage.StoredEvent, storage.Cursor, bool, error) {
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	query := `
		SELECT ` + eventColumns + `
		FROM registry_events WHERE tenant_id = ? AND timestamp >= ?`
	args := []any{s.tenantID, since}
	if !cursor.IsZero() {
		query += ` AND (timestamp > ? OR (timestamp = ? AND guid > ?))`
		args = append(args, cursor.Timestamp, cursor.Timestamp, cursor.GUID)
	}
	query += ` ORDER BY timestamp ASC, guid ASC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Cursor{}, false, engineerrors.Wrap(engineerrors.KindStorage, "get since paginated", err)
	}
	page, err := s.scanEvents(rows)
	if err != nil {
		return nil, storage.Cursor{}, false, err
	}

	hasMore := len(page) > pageSize
	if hasMore {
		page = page[:pageSize]
	}
	next := cursor
	if len(page) > 0 {
		last := page[len(page)-1]
		next = storage.Cursor{Timestamp: last.Timestamp, GUID: last.GUID}
	}
	return page, next, hasMore, nil
}

func (s *EventStore) UpdateSyncLevel(ctx context.Context, eventID int64, level storage.SyncLevel) error {
	c := s.conn(ctx)
	var current int
	err := c.QueryRowContext(ctx, `SELECT sync_level FROM registry_events WHERE tenant_id = ? AND id = ?`, s.tenantID, eventID).Scan(&current)
	if err == sql.ErrNoRows {
		return engineerrors.New(engineerrors.KindStorage, "event not found")
	}
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "read sync level", err)
	}
	if int(level) < current {
		return engineerrors.New(engineerrors.KindValidation, "invalid sync level transition: downgrade rejected")
	}
	if _, err := c.ExecContext(ctx, `UPDATE registry_events SET sync_level = ? WHERE tenant_id = ? AND id = ?`, int(level), s.tenantID, eventID); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "update sync level", err)
	}
	return nil
}

func (s *EventStore) IsEventExisted(ctx context.Context, formGUID string) (bool, error) {
	var id int64
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT id FROM registry_events WHERE tenant_id = ? AND guid = ?`, s.tenantID, formGUID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, engineerrors.Wrap(engineerrors.KindStorage, "check event existed", err)
	}
	return true, nil
}

func (s *EventStore) SaveAudit(ctx context.Context, entries []storage.AuditLogEntry) error {
	c := s.conn(ctx)
	for _, e := range entries {
		payload, err := json.Marshal(e.Changes)
		if err != nil {
			return err
		}
		if _, err := c.ExecContext(ctx, `
			INSERT INTO registry_audit (tenant_id, guid, event_guid, entity_guid, action, user_id, timestamp, sync_level, changes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.tenantID, e.GUID, e.EventGUID, e.EntityGUID, e.Action, e.UserID, e.Timestamp, int(e.SyncLevel), string(payload)); err != nil {
			return engineerrors.Wrap(engineerrors.KindStorage, "insert audit", err)
		}
	}
	return nil
}

const auditColumns = `guid, event_guid, entity_guid, action, user_id, timestamp, sync_level, CAST(changes AS VARCHAR)`

func (s *EventStore) scanAudit(rows *sql.Rows) ([]storage.AuditLogEntry, error) {
	defer rows.Close()
	var out []storage.AuditLogEntry
	for rows.Next() {
		var e storage.AuditLogEntry
		var level int
		var changes string
		if err := rows.Scan(&e.GUID, &e.EventGUID, &e.EntityGUID, &e.Action, &e.UserID, &e.Timestamp, &level, &changes); err != nil {
			return nil, err
		}
		e.SyncLevel = storage.SyncLevel(level)
		if changes != "" {
			if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
				return nil, err
			}
		}
		e.TenantID = s.tenantID
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EventStore) GetAuditAll(ctx context.Context) ([]storage.AuditLogEntry, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM registry_audit WHERE tenant_id = ? ORDER BY timestamp ASC`, s.tenantID)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get audit all", err)
	}
	return s.scanAudit(rows)
}

func (s *EventStore) GetAuditSince(ctx context.Context, since time.Time) ([]storage.AuditLogEntry, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM registry_audit WHERE tenant_id = ? AND timestamp >= ? ORDER BY timestamp ASC`, s.tenantID, since)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get audit since", err)
	}
	return s.scanAudit(rows)
}

func (s *EventStore) GetAuditByEntity(ctx context.Context, entityGUID string) ([]storage.AuditLogEntry, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM registry_audit WHERE tenant_id = ? AND entity_guid = ? ORDER BY timestamp ASC`, s.tenantID, entityGUID)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get audit by entity", err)
	}
	return s.scanAudit(rows)
}

func (s *EventStore) SaveMerkleRoot(ctx context.Context, root storage.MerkleRoot) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO registry_merkle_root (tenant_id, hash, leaf_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET hash = EXCLUDED.hash, leaf_count = EXCLUDED.leaf_count, updated_at = EXCLUDED.updated_at`,
		s.tenantID, root.Hash, root.LeafCount, root.UpdatedAt)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "save merkle root", err)
	}
	return nil
}

func (s *EventStore) GetMerkleRoot(ctx context.Context) (storage.MerkleRoot, error) {
	var root storage.MerkleRoot
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT hash, leaf_count, updated_at FROM registry_merkle_root WHERE tenant_id = ?`, s.tenantID).
		Scan(&root.Hash, &root.LeafCount, &root.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.MerkleRoot{}, nil
	}
	if err != nil {
		return storage.MerkleRoot{}, engineerrors.Wrap(engineerrors.KindStorage, "get merkle root", err)
	}
	return root, nil
}

func (s *EventStore) GetHighWaterMarks(ctx context.Context) (storage.HighWaterMarks, error) {
	var m storage.HighWaterMarks
	var pushI, pullI, pushE, pullE sql.NullTime
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT last_push_internal, last_pull_internal, last_push_external, last_pull_external
		FROM registry_marks WHERE tenant_id = ?`, s.tenantID).
		Scan(&pushI, &pullI, &pushE, &pullE)
	if err == sql.ErrNoRows {
		return storage.HighWaterMarks{}, nil
	}
	if err != nil {
		return storage.HighWaterMarks{}, engineerrors.Wrap(engineerrors.KindStorage, "get high water marks", err)
	}
	m.LastPushInternal, m.LastPullInternal = pushI.Time, pullI.Time
	m.LastPushExternal, m.LastPullExternal = pushE.Time, pullE.Time
	return m, nil
}

func (s *EventStore) setMark(ctx context.Context, column string, t time.Time, current func(storage.HighWaterMarks) time.Time) error {
	c := s.conn(ctx)
	marks, err := s.GetHighWaterMarks(ctx)
	if err != nil {
		return err
	}
	if t.Before(current(marks)) {
		return nil
	}
	_, err = c.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO registry_marks (tenant_id, %s) VALUES (?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET %s = EXCLUDED.%s`, column, column, column),
		s.tenantID, t)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "set "+column, err)
	}
	return nil
}

func (s *EventStore) SetLastPushInternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, "last_push_internal", t, func(m storage.HighWaterMarks) time.Time { return m.LastPushInternal })
}

func (s *EventStore) SetLastPullInternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, "last_pull_internal", t, func(m storage.HighWaterMarks) time.Time { return m.LastPullInternal })
}

func (s *EventStore) SetLastPushExternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, "last_push_external", t, func(m storage.HighWaterMarks) time.Time { return m.LastPushExternal })
}

func (s *EventStore) SetLastPullExternal(ctx context.Context, t time.Time) error {
	return s.setMark(ctx, "last_pull_external", t, func(m storage.HighWaterMarks) time.Time { return m.LastPullExternal })
}

func (s *EventStore) Clear(ctx context.Context) error {
	c := s.conn(ctx)
	for _, table := range []string{"registry_events", "registry_audit", "registry_merkle_root", "registry_marks"} {
		if _, err := c.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ?`, table), s.tenantID); err != nil {
			return engineerrors.Wrap(engineerrors.KindStorage, "clear "+table, err)
		}
	}
	return nil
}

var _ storage.EventStoragePort = (*EventStore)(nil)

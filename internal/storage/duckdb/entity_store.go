// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package duckdb

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// EntityStore implements storage.EntityStoragePort against a shared *sql.DB, scoped to
// a single tenant via a tenant_id column.
type EntityStore struct {
	db       *sql.DB
	tenantID string
}

func NewEntityStore(db *sql.DB, tenantID string) *EntityStore {
	return &EntityStore{db: db, tenantID: tenantID}
}

func (s *EntityStore) Initialize(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS registry_entities (
			tenant_id TEXT NOT NULL,
			guid TEXT NOT NULL,
			external_id TEXT,
			entity_type TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			data JSON,
			member_ids JSON,
			last_updated TIMESTAMP NOT NULL,
			tombstoned BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (tenant_id, guid)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_registry_entities_ext ON registry_entities(tenant_id, external_id);
		CREATE INDEX IF NOT EXISTS idx_registry_entities_updated ON registry_entities(tenant_id, last_updated DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "create entity schema", err)
	}
	return nil
}

func (s *EntityStore) Close(ctx context.Context) error { return nil }

func (s *EntityStore) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *EntityStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
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

const entityColumns = `guid, external_id, entity_type, name, version, CAST(data AS VARCHAR), CAST(member_ids AS VARCHAR), last_updated, tombstoned`

func scanEntity(row interface {
	Scan(dest ...any) error
}) (*storage.Entity, error) {
	var e storage.Entity
	var externalID sql.NullString
	var entityType, dataStr, memberIDsStr string
	if err := row.Scan(&e.GUID, &externalID, &entityType, &e.Name, &e.Version, &dataStr, &memberIDsStr, &e.LastUpdated, &e.Tombstoned); err != nil {
		return nil, err
	}
	e.Type = storage.EntityType(entityType)
	if externalID.Valid {
		id := externalID.String
		e.ExternalID = &id
	}
	if dataStr != "" {
		if err := json.Unmarshal([]byte(dataStr), &e.Data); err != nil {
			return nil, err
		}
	}
	if memberIDsStr != "" && memberIDsStr != "null" {
		if err := json.Unmarshal([]byte(memberIDsStr), &e.MemberIDs); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *EntityStore) Save(ctx context.Context, entity *storage.Entity) error {
	if entity.GUID == "" {
		return engineerrors.New(engineerrors.KindValidation, "entity guid must not be empty")
	}
	c := s.conn(ctx)

	if entity.ExternalID != nil {
		var existingGUID string
		err := c.QueryRowContext(ctx, `SELECT guid FROM registry_entities WHERE tenant_id = ? AND external_id = ?`, s.tenantID, *entity.ExternalID).Scan(&existingGUID)
		if err != nil && err != sql.ErrNoRows {
			return engineerrors.Wrap(engineerrors.KindStorage, "check external id", err)
		}
		if err == nil && existingGUID != entity.GUID {
			return engineerrors.New(engineerrors.KindConflict, "externalId already bound to a different guid")
		}
	}

	dataPayload, err := json.Marshal(entity.Data)
	if err != nil {
		return err
	}
	memberPayload, err := json.Marshal(entity.MemberIDs)
	if err != nil {
		return err
	}

	_, err = c.ExecContext(ctx, `
		INSERT INTO registry_entities (tenant_id, guid, external_id, entity_type, name, version, data, member_ids, last_updated, tombstoned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, guid) DO UPDATE SET
			external_id = EXCLUDED.external_id, entity_type = EXCLUDED.entity_type, name = EXCLUDED.name,
			version = EXCLUDED.version, data = EXCLUDED.data, member_ids = EXCLUDED.member_ids,
			last_updated = EXCLUDED.last_updated, tombstoned = EXCLUDED.tombstoned`,
		s.tenantID, entity.GUID, entity.ExternalID, string(entity.Type), entity.Name, entity.Version,
		string(dataPayload), string(memberPayload), entity.LastUpdated, entity.Tombstoned)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "save entity", err)
	}
	return nil
}

func (s *EntityStore) GetByGUID(ctx context.Context, guid string) (*storage.Entity, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+entityColumns+` FROM registry_entities WHERE tenant_id = ? AND guid = ?`, s.tenantID, guid)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get entity", err)
	}
	return e, nil
}

func (s *EntityStore) GetByExternalID(ctx context.Context, externalID string) (*storage.Entity, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+entityColumns+` FROM registry_entities WHERE tenant_id = ? AND external_id = ?`, s.tenantID, externalID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get entity by external id", err)
	}
	return e, nil
}

func (s *EntityStore) queryEntities(ctx context.Context, where string, args ...any) ([]*storage.Entity, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+entityColumns+` FROM registry_entities WHERE tenant_id = ? `+where, append([]any{s.tenantID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EntityStore) GetAll(ctx context.Context) ([]*storage.Entity, error) {
	out, err := s.queryEntities(ctx, `AND NOT tombstoned ORDER BY last_updated DESC`)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get all entities", err)
	}
	return out, nil
}

func (s *EntityStore) GetModifiedSince(ctx context.Context, since time.Time) ([]*storage.Entity, error) {
	out, err := s.queryEntities(ctx, `AND last_updated >= ? ORDER BY last_updated DESC`, since)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get modified since", err)
	}
	return out, nil
}

func (s *EntityStore) Delete(ctx context.Context, guid string) error {
	c := s.conn(ctx)
	res, err := c.ExecContext(ctx, `UPDATE registry_entities SET tombstoned = true WHERE tenant_id = ? AND guid = ?`, s.tenantID, guid)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "delete entity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engineerrors.New(engineerrors.KindStorage, "entity not found")
	}
	return nil
}

func (s *EntityStore) Search(ctx context.Context, criteria storage.SearchCriteria) ([]*storage.Entity, error) {
	all, err := s.queryEntities(ctx, `AND NOT tombstoned`)
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

func (s *EntityStore) Clear(ctx context.Context) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM registry_entities WHERE tenant_id = ?`, s.tenantID)
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "clear entities", err)
	}
	return nil
}

func sortEntitiesByLastUpdatedDesc(entities []*storage.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LastUpdated.After(entities[j].LastUpdated)
	})
}

var _ storage.EntityStoragePort = (*EntityStore)(nil)

// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package duckdb

import (
	"context"
	"database/sql"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// DuplicateStore implements storage.DuplicateStoragePort against a shared *sql.DB,
// scoped to a tenant, so the central server keeps its own view of open potential
// duplicates (spec §4.8, L8) alongside the entities and events it authoritatively owns.
type DuplicateStore struct {
	db       *sql.DB
	tenantID string
}

func NewDuplicateStore(db *sql.DB, tenantID string) *DuplicateStore {
	return &DuplicateStore{db: db, tenantID: tenantID}
}

func (s *DuplicateStore) Initialize(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS registry_duplicates (
			tenant_id TEXT NOT NULL,
			pair_key TEXT NOT NULL,
			entity_guid TEXT NOT NULL,
			duplicate_guid TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (tenant_id, pair_key)
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "create duplicate schema", err)
	}
	return nil
}

func (s *DuplicateStore) Close(ctx context.Context) error { return nil }

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *DuplicateStore) Save(ctx context.Context, dup storage.PotentialDuplicate) error {
	key := pairKey(dup.EntityGUID, dup.DuplicateGUID)
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT pair_key FROM registry_duplicates WHERE tenant_id = ? AND pair_key = ?`, s.tenantID, key).Scan(&existing)
	if err == nil {
		return nil // already recorded, symmetric dedup (spec §8)
	}
	if err != sql.ErrNoRows {
		return engineerrors.Wrap(engineerrors.KindStorage, "check existing duplicate", err)
	}
	status := dup.Status
	if status == "" {
		status = storage.DuplicateOpen
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registry_duplicates (tenant_id, pair_key, entity_guid, duplicate_guid, status)
		VALUES (?, ?, ?, ?, ?)`,
		s.tenantID, key, dup.EntityGUID, dup.DuplicateGUID, string(status))
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "insert duplicate", err)
	}
	return nil
}

func (s *DuplicateStore) Get(ctx context.Context, entityGUID, duplicateGUID string) (*storage.PotentialDuplicate, error) {
	var dup storage.PotentialDuplicate
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_guid, duplicate_guid, status FROM registry_duplicates WHERE tenant_id = ? AND pair_key = ?`,
		s.tenantID, pairKey(entityGUID, duplicateGUID)).Scan(&dup.EntityGUID, &dup.DuplicateGUID, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "get duplicate", err)
	}
	dup.Status = storage.DuplicateStatus(status)
	dup.TenantID = s.tenantID
	return &dup, nil
}

func (s *DuplicateStore) ListOpen(ctx context.Context) ([]storage.PotentialDuplicate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_guid, duplicate_guid, status FROM registry_duplicates WHERE tenant_id = ? AND status = ?`,
		s.tenantID, string(storage.DuplicateOpen))
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "list open duplicates", err)
	}
	defer rows.Close()

	out := make([]storage.PotentialDuplicate, 0)
	for rows.Next() {
		var dup storage.PotentialDuplicate
		var status string
		if err := rows.Scan(&dup.EntityGUID, &dup.DuplicateGUID, &status); err != nil {
			return nil, err
		}
		dup.Status = storage.DuplicateStatus(status)
		dup.TenantID = s.tenantID
		out = append(out, dup)
	}
	return out, rows.Err()
}

func (s *DuplicateStore) Resolve(ctx context.Context, entityGUID, duplicateGUID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE registry_duplicates SET status = ? WHERE tenant_id = ? AND pair_key = ?`,
		string(storage.DuplicateResolved), s.tenantID, pairKey(entityGUID, duplicateGUID))
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "resolve duplicate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return engineerrors.Wrap(engineerrors.KindStorage, "resolve duplicate rows affected", err)
	}
	if n == 0 {
		return engineerrors.New(engineerrors.KindStorage, "duplicate record not found")
	}
	return nil
}

var _ storage.DuplicateStoragePort = (*DuplicateStore)(nil)

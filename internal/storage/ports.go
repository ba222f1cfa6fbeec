// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package storage

import (
	"context"
	"time"
)

// Port is the lifecycle every storage port shares: Initialize -> usable -> Close.
// Concrete ports embed Port alongside their operation set.
type Port interface {
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
}

// Transactional lets a port emulate a compound write when its backing engine has no
// native transaction support. Implementations that cannot offer true atomicity must
// fail Initialize loudly rather than silently accept WithTransaction calls (spec §4.1
// contract, §9 design notes).
type Transactional interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventStoragePort owns the event sequence and the audit log exclusively (spec §3
// "Ownership"). Every operation is implicitly scoped to the tenant the port was
// constructed with.
type EventStoragePort interface {
	Port
	Transactional

	SaveEvents(ctx context.Context, events []FormSubmission) (ids []int64, err error)
	GetAll(ctx context.Context) ([]StoredEvent, error)
	GetSince(ctx context.Context, since time.Time) ([]StoredEvent, error)
	GetSincePaginated(ctx context.Context, since time.Time, cursor Cursor, pageSize int) (events []StoredEvent, next Cursor, hasMore bool, err error)
	UpdateSyncLevel(ctx context.Context, eventID int64, level SyncLevel) error
	IsEventExisted(ctx context.Context, formGUID string) (bool, error)

	SaveAudit(ctx context.Context, entries []AuditLogEntry) error
	GetAuditAll(ctx context.Context) ([]AuditLogEntry, error)
	GetAuditSince(ctx context.Context, since time.Time) ([]AuditLogEntry, error)
	GetAuditByEntity(ctx context.Context, entityGUID string) ([]AuditLogEntry, error)

	SaveMerkleRoot(ctx context.Context, root MerkleRoot) error
	GetMerkleRoot(ctx context.Context) (MerkleRoot, error)

	GetHighWaterMarks(ctx context.Context) (HighWaterMarks, error)
	SetLastPushInternal(ctx context.Context, t time.Time) error
	SetLastPullInternal(ctx context.Context, t time.Time) error
	SetLastPushExternal(ctx context.Context, t time.Time) error
	SetLastPullExternal(ctx context.Context, t time.Time) error

	Clear(ctx context.Context) error
}

// EntityStoragePort owns entity records exclusively.
type EntityStoragePort interface {
	Port
	Transactional

	Save(ctx context.Context, entity *Entity) error
	GetByGUID(ctx context.Context, guid string) (*Entity, error)
	GetByExternalID(ctx context.Context, externalID string) (*Entity, error)
	Search(ctx context.Context, criteria SearchCriteria) ([]*Entity, error)
	GetAll(ctx context.Context) ([]*Entity, error)
	Delete(ctx context.Context, guid string) error
	GetModifiedSince(ctx context.Context, since time.Time) ([]*Entity, error)

	Clear(ctx context.Context) error
}

// AuthStoragePort persists per-provider bearer tokens and the remembered username.
type AuthStoragePort interface {
	Port

	GetToken(ctx context.Context, provider string) (token string, expiresAt time.Time, ok bool, err error)
	SetToken(ctx context.Context, provider, token string, expiresAt time.Time) error
	RemoveToken(ctx context.Context, provider string) error

	GetUsername(ctx context.Context) (string, bool, error)
	SetUsername(ctx context.Context, username string) error

	RemoveAll(ctx context.Context) error
}

// DuplicateStoragePort persists potential-duplicate candidate records (spec §4.8).
type DuplicateStoragePort interface {
	Port

	Save(ctx context.Context, dup PotentialDuplicate) error
	Get(ctx context.Context, entityGUID, duplicateGUID string) (*PotentialDuplicate, error)
	ListOpen(ctx context.Context) ([]PotentialDuplicate, error)
	Resolve(ctx context.Context, entityGUID, duplicateGUID string) error
}

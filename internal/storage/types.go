// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package storage defines the storage ports (interfaces) the registry engine is built
// against, plus the data model those ports persist. Concrete implementations live in
// sibling packages (memory, badger, duckdb); nothing in this package touches I/O.
package storage

import "time"

// SyncLevel is the ordered progression of an event through the sync pipeline. It is
// monotonic per event: once reached, a level is never downgraded.
type SyncLevel int

const (
	// LevelLocal is the initial level: the event exists only in the local store.
	LevelLocal SyncLevel = iota
	// LevelSynced means the event was acknowledged by the central server.
	LevelSynced
	// LevelExternal means the event originated from, or was confirmed by, the external system.
	LevelExternal
)

// LevelRemote is an alias of LevelSynced. spec.md's source material used "REMOTE" and
// "SYNCED" interchangeably in two places; this spec fixes SYNCED as canonical and treats
// any "REMOTE" the pack's original material might use as this alias (§9 Open Questions).
const LevelRemote = LevelSynced

func (l SyncLevel) String() string {
	switch l {
	case LevelLocal:
		return "LOCAL"
	case LevelSynced:
		return "SYNCED"
	case LevelExternal:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// EntityType discriminates the two entity variants.
type EntityType string

const (
	EntityIndividual EntityType = "individual"
	EntityGroup      EntityType = "group"
)

// FormSubmission is the immutable input record accepted by the Event Applier Service.
// Field order and JSON tags are frozen (spec §6): clients and servers built
// independently must be able to exchange this encoding unchanged.
type FormSubmission struct {
	GUID        string         `json:"guid" validate:"required"`
	EntityGUID  string         `json:"entityGuid" validate:"required"`
	Type        string         `json:"type" validate:"required"`
	Data        map[string]any `json:"data" validate:"required"`
	Timestamp   time.Time      `json:"timestamp" validate:"required"`
	UserID      string         `json:"userId" validate:"required"`
	SyncLevel   SyncLevel      `json:"syncLevel"`
	TenantID    string         `json:"-"`
}

// Entity is the tagged-variant materialized state produced by replaying the event log.
type Entity struct {
	ID          string         `json:"id"`
	GUID        string         `json:"guid"`
	ExternalID  *string        `json:"externalId,omitempty"`
	Type        EntityType     `json:"type"`
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Data        map[string]any `json:"data"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Tombstoned  bool           `json:"tombstoned"`

	// MemberIDs is populated only for Group entities: an ordered sequence of member
	// entity guids. Invariant: every guid resolves to an existing entity, and no guid
	// repeats within one group (spec §3, §8 "Group membership").
	MemberIDs []string `json:"memberIds,omitempty"`

	TenantID string `json:"-"`
}

// Clone returns a deep-enough copy of e safe for an applier to mutate without aliasing
// the caller's copy (map and slice fields are copied).
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	if e.MemberIDs != nil {
		out.MemberIDs = append([]string(nil), e.MemberIDs...)
	}
	if e.ExternalID != nil {
		id := *e.ExternalID
		out.ExternalID = &id
	}
	return &out
}

// HasMember reports whether guid is already present in MemberIDs.
func (e *Entity) HasMember(guid string) bool {
	for _, m := range e.MemberIDs {
		if m == guid {
			return true
		}
	}
	return false
}

// AuditLogEntry records one applied event for the immutable audit trail.
type AuditLogEntry struct {
	GUID       string         `json:"guid"`
	EventGUID  string         `json:"eventGuid"`
	EntityGUID string         `json:"entityGuid"`
	Action     string         `json:"action"`
	UserID     string         `json:"userId"`
	Timestamp  time.Time      `json:"timestamp"`
	Changes    map[string]any `json:"changes"`
	SyncLevel  SyncLevel      `json:"syncLevel"`
	TenantID   string         `json:"-"`
}

// MerkleRoot is the single tamper-evidence fingerprint per store instance.
type MerkleRoot struct {
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updatedAt"`
	LeafCount int       `json:"leafCount"`
}

// HighWaterMarks holds the four named sync progress timestamps, each monotonic
// non-decreasing.
type HighWaterMarks struct {
	LastPushInternal time.Time `json:"lastPushInternal"`
	LastPullInternal time.Time `json:"lastPullInternal"`
	LastPushExternal time.Time `json:"lastPushExternal"`
	LastPullExternal time.Time `json:"lastPullExternal"`
}

// DuplicateStatus is the lifecycle state of a PotentialDuplicate record.
type DuplicateStatus string

const (
	DuplicateOpen     DuplicateStatus = "open"
	DuplicateResolved DuplicateStatus = "resolved"
)

// PotentialDuplicate pairs a newly created entity with a pre-existing candidate that
// shares a normalized name.
type PotentialDuplicate struct {
	EntityGUID    string          `json:"entityGuid"`
	DuplicateGUID string          `json:"duplicateGuid"`
	Status        DuplicateStatus `json:"status"`
	TenantID      string          `json:"-"`
}

// StoredEvent is the event as persisted by an EventStoragePort: the FormSubmission plus
// the store-assigned internal id.
type StoredEvent struct {
	ID int64
	FormSubmission
}

// FilterOp is one of the closed set of comparison operators search criteria support.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpNeq   FilterOp = "neq"
	OpGt    FilterOp = "gt"
	OpGte   FilterOp = "gte"
	OpLt    FilterOp = "lt"
	OpLte   FilterOp = "lte"
	OpIn    FilterOp = "in"
	OpRegex FilterOp = "regex"
)

// Filter is a single field comparison. Field may be a dotted path into Data (e.g.
// "data.age") or one of the top-level entity fields (guid, externalId, type, name).
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// FilterGroup is a conjunction (AND) of Filters. SearchCriteria is a disjunction (OR) of
// FilterGroups (spec §4.3).
type FilterGroup []Filter

// SearchCriteria is a list of filter groups combined disjunctively, with offset+limit
// pagination (default limit 10) and a fixed lastUpdated DESC sort.
type SearchCriteria struct {
	Groups []FilterGroup
	Offset int
	Limit  int
}

// DefaultPageSize is used by get_since_paginated when the caller passes 0.
const DefaultPageSize = 10

// DefaultSearchLimit is used by search(criteria) when Limit is 0.
const DefaultSearchLimit = 10

// Cursor resumes a paginated get_events_since call strictly after the named event.
type Cursor struct {
	Timestamp time.Time
	GUID      string
}

func (c Cursor) IsZero() bool { return c.Timestamp.IsZero() && c.GUID == "" }

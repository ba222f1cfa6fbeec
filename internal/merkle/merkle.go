// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package merkle builds a balanced binary Merkle tree over the event log and emits a
// root hash used as a compact tamper-evidence fingerprint (spec §4.10).
//
// Grounded in the hash-chained immutable audit entry pattern from the retrieved pack
// (oarkflow-velocity's audit_immutable.go): each leaf is a SHA-256 digest of a canonical
// encoding of one event, and the tree carries an odd node up unchanged rather than
// duplicating it, so the root is a pure function of the ordered leaf sequence.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/goccy/go-json"

	"github.com/idpass/datacollect-engine/internal/storage"
)

// Leaf hashes over a canonical encoding: the event's guid, entityGuid, type, the data
// payload re-marshaled through go-json (which sorts map keys deterministically), the
// timestamp (UTC, RFC 3339 layout with exactly nine fractional digits) and userId, in
// that order. No whitespace, fixed field order.
func Leaf(event storage.FormSubmission) [32]byte {
	canonical := struct {
		GUID       string         `json:"guid"`
		EntityGUID string         `json:"entityGuid"`
		Type       string         `json:"type"`
		Data       map[string]any `json:"data"`
		Timestamp  string         `json:"timestamp"`
		UserID     string         `json:"userId"`
	}{
		GUID:       event.GUID,
		EntityGUID: event.EntityGUID,
		Type:       event.Type,
		Data:       event.Data,
		Timestamp:  event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		UserID:     event.UserID,
	}
	b, _ := json.Marshal(canonical)
	return sha256.Sum256(b)
}

// node hashes the concatenation of two raw leaf/internal digests.
func node(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// Root computes the Merkle root over events in order. An empty event list yields the
// SHA-256 of the empty byte string (a stable, well-defined root for a fresh log).
func Root(events []storage.FormSubmission) string {
	if len(events) == 0 {
		empty := sha256.Sum256(nil)
		return hex.EncodeToString(empty[:])
	}

	level := make([][32]byte, len(events))
	for i, e := range events {
		level[i] = Leaf(e)
	}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, node(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			// Odd node at this level is carried up unchanged (spec §4.10).
			next = append(next, level[len(level)-1])
		}
		level = next
	}

	return hex.EncodeToString(level[0][:])
}

// Verify recomputes the root over events and reports whether it matches want.
func Verify(events []storage.FormSubmission, want string) bool {
	return Root(events) == want
}

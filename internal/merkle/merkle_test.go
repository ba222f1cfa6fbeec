// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package merkle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idpass/datacollect-engine/internal/storage"
)

func form(guid string, ts time.Time) storage.FormSubmission {
	return storage.FormSubmission{
		GUID:       guid,
		EntityGUID: "E1",
		Type:       "create-individual",
		Data:       map[string]any{"name": "John"},
		Timestamp:  ts,
		UserID:     "u1",
	}
}

func TestRoot_EmptyLogIsStable(t *testing.T) {
	root := Root(nil)
	assert.NotEmpty(t, root)
	assert.Equal(t, root, Root([]storage.FormSubmission{}))
}

func TestRoot_DeterministicAndOrderSensitive(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := form("a", base)
	b := form("b", base.Add(time.Second))

	r1 := Root([]storage.FormSubmission{a, b})
	r2 := Root([]storage.FormSubmission{a, b})
	require.Equal(t, r1, r2, "same input must hash to the same root")

	reversed := Root([]storage.FormSubmission{b, a})
	assert.NotEqual(t, r1, reversed, "leaf order changes the root")
}

func TestRoot_OddNodeCarriedUnchanged(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	single := form("a", base)

	// With one event, the root must equal the single leaf hash re-serialized.
	leaf := Leaf(single)
	got := Root([]storage.FormSubmission{single})
	assert.Equal(t, hexString(leaf), got)
}

func hexString(b [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func TestVerify_TamperDetection(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []storage.FormSubmission{
		form("a", base),
		form("b", base.Add(time.Second)),
		form("c", base.Add(2 * time.Second)),
	}
	root := Root(events)
	assert.True(t, Verify(events, root))

	tampered := append([]storage.FormSubmission(nil), events...)
	tampered[1].Data = map[string]any{"name": "Jane Tampered"}
	assert.False(t, Verify(tampered, root), "tampering a payload must invalidate the root")
}

func TestLeaf_CanonicalEncodingIgnoresMapKeyOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f1 := storage.FormSubmission{
		GUID: "x", EntityGUID: "E1", Type: "update-individual",
		Data: map[string]any{"a": 1, "b": 2}, Timestamp: base, UserID: "u1",
	}
	f2 := storage.FormSubmission{
		GUID: "x", EntityGUID: "E1", Type: "update-individual",
		Data: map[string]any{"b": 2, "a": 1}, Timestamp: base, UserID: "u1",
	}
	assert.Equal(t, Leaf(f1), Leaf(f2), "go-json sorts map keys, so insertion order must not affect the hash")
}

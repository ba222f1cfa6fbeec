// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package nameindex provides a thread-safe exact-match index keyed by normalized
// entity name, used by internal/duplicate to find candidate duplicates in O(1) instead
// of a regex-escaped store query per create (spec §4.8: "matching normalized name").
//
// Adapted from the teacher's internal/cache.Trie (a prefix tree built for media-title
// autocomplete): this index keeps the same insert/search/clear shape and the
// case-insensitive normalization idea, but drops the trie's prefix/autocomplete/ranking
// machinery entirely, since duplicate detection never needs a prefix match — only an
// exact one — and carrying that dead surface here would just be unused teacher code.
package nameindex

import "sync"

// Index maps a normalized name to every guid currently registered under it.
type Index struct {
	mu      sync.Mutex
	byName  map[string][]string
}

// New returns an empty Index.
func New() *Index {
	return &Index{byName: make(map[string][]string)}
}

// Add registers guid under name, returning every other guid already registered under
// the same name (the candidate duplicates).
func (idx *Index) Add(name, guid string) []string {
	if name == "" {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing := idx.byName[name]
	others := make([]string, 0, len(existing))
	for _, g := range existing {
		if g != guid {
			others = append(others, g)
		}
	}
	idx.byName[name] = append(append([]string{}, existing...), guid)
	return others
}

// Clear empties the index. Reindex calls it before rebuilding the index from the
// entity store, so guids created in a prior process lifetime are found again.
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byName = make(map[string][]string)
}

// Size returns the number of distinct names currently indexed.
func (idx *Index) Size() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byName)
}

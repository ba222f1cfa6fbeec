// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package memory

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
	"github.com/idpass/datacollect-engine/internal/storage"
)

// EntityStore implements storage.EntityStoragePort in memory, scoped to a single tenant.
type EntityStore struct {
	tenantID string

	mu         sync.Mutex
	byGUID     map[string]*storage.Entity
	byExtID    map[string]string // externalId -> guid
}

func NewEntityStore(tenantID string) *EntityStore {
	return &EntityStore{
		tenantID: tenantID,
		byGUID:   make(map[string]*storage.Entity),
		byExtID:  make(map[string]string),
	}
}

func (s *EntityStore) Initialize(ctx context.Context) error { return nil }
func (s *EntityStore) Close(ctx context.Context) error       { return nil }

func (s *EntityStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

func (s *EntityStore) Save(ctx context.Context, entity *storage.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entity.GUID == "" {
		return engineerrors.New(engineerrors.KindValidation, "entity guid must not be empty")
	}
	if entity.ExternalID != nil {
		if existingGUID, ok := s.byExtID[*entity.ExternalID]; ok && existingGUID != entity.GUID {
			return engineerrors.New(engineerrors.KindConflict, fmt.Sprintf("externalId %q already bound to guid %q", *entity.ExternalID, existingGUID))
		}
	}

	cp := entity.Clone()
	cp.TenantID = s.tenantID
	s.byGUID[cp.GUID] = cp
	if cp.ExternalID != nil {
		s.byExtID[*cp.ExternalID] = cp.GUID
	}
	return nil
}

func (s *EntityStore) GetByGUID(ctx context.Context, guid string) (*storage.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byGUID[guid]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

func (s *EntityStore) GetByExternalID(ctx context.Context, externalID string) (*storage.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	guid, ok := s.byExtID[externalID]
	if !ok {
		return nil, nil
	}
	return s.byGUID[guid].Clone(), nil
}

func (s *EntityStore) GetAll(ctx context.Context) ([]*storage.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Entity, 0, len(s.byGUID))
	for _, e := range s.byGUID {
		if !e.Tombstoned {
			out = append(out, e.Clone())
		}
	}
	sortByLastUpdatedDesc(out)
	return out, nil
}

func (s *EntityStore) GetModifiedSince(ctx context.Context, since time.Time) ([]*storage.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Entity, 0)
	for _, e := range s.byGUID {
		if !e.LastUpdated.Before(since) {
			out = append(out, e.Clone())
		}
	}
	sortByLastUpdatedDesc(out)
	return out, nil
}

func (s *EntityStore) Delete(ctx context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byGUID[guid]
	if !ok {
		return engineerrors.New(engineerrors.KindStorage, "entity not found")
	}
	e.Tombstoned = true
	return nil
}

func (s *EntityStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGUID = make(map[string]*storage.Entity)
	s.byExtID = make(map[string]string)
	return nil
}

func sortByLastUpdatedDesc(entities []*storage.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LastUpdated.After(entities[j].LastUpdated)
	})
}

func (s *EntityStore) Search(ctx context.Context, criteria storage.SearchCriteria) ([]*storage.Entity, error) {
	s.mu.Lock()
	all := make([]*storage.Entity, 0, len(s.byGUID))
	for _, e := range s.byGUID {
		all = append(all, e.Clone())
	}
	s.mu.Unlock()

	limit := criteria.Limit
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}

	matched := make([]*storage.Entity, 0)
	for _, e := range all {
		if e.Tombstoned {
			continue // tombstoned entities are excluded from default queries (spec §3)
		}
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

	sortByLastUpdatedDesc(matched)

	if criteria.Offset >= len(matched) {
		return []*storage.Entity{}, nil
	}
	end := criteria.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[criteria.Offset:end], nil
}

func matchesGroup(e *storage.Entity, group storage.FilterGroup) bool {
	for _, f := range group {
		if !matchesFilter(e, f) {
			return false
		}
	}
	return true
}

func matchesFilter(e *storage.Entity, f storage.Filter) bool {
	actual, ok := fieldValue(e, f.Field)
	if !ok {
		return f.Op == storage.OpNeq
	}
	switch f.Op {
	case storage.OpEq:
		return compareEqual(actual, f.Value)
	case storage.OpNeq:
		return !compareEqual(actual, f.Value)
	case storage.OpGt, storage.OpGte, storage.OpLt, storage.OpLte:
		return compareOrdered(actual, f.Value, f.Op)
	case storage.OpIn:
		return compareIn(actual, f.Value)
	case storage.OpRegex:
		pattern, ok := f.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	default:
		return false
	}
}

func fieldValue(e *storage.Entity, field string) (any, bool) {
	switch field {
	case "guid":
		return e.GUID, true
	case "externalId":
		if e.ExternalID == nil {
			return nil, false
		}
		return *e.ExternalID, true
	case "type":
		return string(e.Type), true
	case "name":
		return e.Name, true
	case "version":
		return e.Version, true
	}
	if strings.HasPrefix(field, "data.") {
		return dotPath(e.Data, strings.TrimPrefix(field, "data."))
	}
	return nil, false
}

func dotPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(a, b any, op storage.FilterOp) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
		switch op {
		case storage.OpGt:
			return as > bs
		case storage.OpGte:
			return as >= bs
		case storage.OpLt:
			return as < bs
		case storage.OpLte:
			return as <= bs
		}
		return false
	}
	switch op {
	case storage.OpGt:
		return af > bf
	case storage.OpGte:
		return af >= bf
	case storage.OpLt:
		return af < bf
	case storage.OpLte:
		return af <= bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func compareIn(actual, list any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if compareEqual(actual, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

var _ storage.EntityStoragePort = (*EntityStore)(nil)

// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package badger

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/idpass/datacollect-engine/internal/storage"
)

// The matching logic below mirrors internal/storage/memory's criteria evaluator
// exactly (same FilterOp semantics for every backend, spec §3 "Search"). It is kept
// as its own small copy rather than a shared helper package so each storage backend
// stays a self-contained, independently swappable port implementation.

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

package store

import (
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// lookupPath resolves a dotted field path inside a decoded document.
func lookupPath(doc bson.M, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(bson.M)
		if !ok {
			if mm, ok2 := cur.(map[string]interface{}); ok2 {
				m = bson.M(mm)
			} else {
				return nil, false
			}
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// matches reports whether a decoded document satisfies every filter of q.
func matches(doc bson.M, q Query) bool {
	for _, f := range q.Filters {
		v, ok := lookupPath(doc, f.Path)
		switch f.Op {
		case OpEq:
			if !ok || !valueEq(v, f.Value) {
				return false
			}
		case OpNotEq:
			// Matches absent fields too, mirroring the != semantics of
			// the production store.
			if ok && valueEq(v, f.Value) {
				return false
			}
		case OpLess:
			if !ok || !valueLess(v, f.Value) {
				return false
			}
		case OpArrayContains:
			if !ok || !arrayContains(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valueEq(a, b interface{}) bool {
	if ta, ok := asTime(a); ok {
		if tb, ok2 := asTime(b); ok2 {
			return ta.Equal(tb)
		}
		return false
	}
	if na, ok := asFloat(a); ok {
		if nb, ok2 := asFloat(b); ok2 {
			return na == nb
		}
		return false
	}
	return a == b
}

func valueLess(a, b interface{}) bool {
	if ta, ok := asTime(a); ok {
		if tb, ok2 := asTime(b); ok2 {
			return ta.Before(tb)
		}
		return false
	}
	if na, ok := asFloat(a); ok {
		if nb, ok2 := asFloat(b); ok2 {
			return na < nb
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	return aok && bok && sa < sb
}

func arrayContains(v, want interface{}) bool {
	items, ok := v.(bson.A)
	if !ok {
		if s, ok2 := v.([]interface{}); ok2 {
			items = bson.A(s)
		} else {
			return false
		}
	}
	for _, item := range items {
		if valueEq(item, want) {
			return true
		}
	}
	return false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// sortAndLimit orders snapshot docs per the query and applies its limit.
func sortAndLimit(docs []Change, q Query) []Change {
	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, aok := lookupPath(docs[i].Data, q.OrderBy)
			b, bok := lookupPath(docs[j].Data, q.OrderBy)
			if !aok || !bok {
				return bok && !aok
			}
			if q.Desc {
				return valueLess(b, a)
			}
			return valueLess(a, b)
		})
	}
	if q.Limit > 0 && int64(len(docs)) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

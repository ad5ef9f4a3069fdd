package treestore

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	orderByKey   = "$key"
	orderByValue = "$value"
)

// Query selects and orders the direct children of a path.
// Ordering follows null < false < true < numbers < strings < mappings,
// with ties broken by key.
type Query struct {
	orderBy    string
	start      *bound
	end        *bound
	limitFirst int
	limitLast  int
}

type bound struct {
	value any
}

// OrderByChild orders children by the value at a relative child path.
func OrderByChild(path string) Query { return Query{orderBy: strings.Trim(path, "/")} }

// OrderByKey orders children by key.
func OrderByKey() Query { return Query{orderBy: orderByKey} }

// OrderByValue orders children by their own scalar value.
func OrderByValue() Query { return Query{orderBy: orderByValue} }

// EqualTo keeps children whose ordering value equals v.
func (q Query) EqualTo(v any) Query {
	q.start = newBound(v)
	q.end = newBound(v)
	return q
}

// StartAt keeps children whose ordering value is >= v.
func (q Query) StartAt(v any) Query {
	q.start = newBound(v)
	return q
}

// EndAt keeps children whose ordering value is <= v.
func (q Query) EndAt(v any) Query {
	q.end = newBound(v)
	return q
}

// LimitToFirst keeps the first n matches.
func (q Query) LimitToFirst(n int) Query {
	q.limitFirst, q.limitLast = n, 0
	return q
}

// LimitToLast keeps the last n matches.
func (q Query) LimitToLast(n int) Query {
	q.limitLast, q.limitFirst = n, 0
	return q
}

func newBound(v any) *bound {
	norm, err := normalizeValue(v)
	if err != nil {
		norm = v
	}
	return &bound{value: norm}
}

type ranked struct {
	snap  Snapshot
	order any
}

func (q Query) apply(parent Snapshot) []Snapshot {
	children := parent.Children()
	items := make([]ranked, 0, len(children))
	for _, c := range children {
		items = append(items, ranked{snap: c, order: q.orderValue(c)})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if cmp := compareValues(items[i].order, items[j].order); cmp != 0 {
			return cmp < 0
		}
		return items[i].snap.Key < items[j].snap.Key
	})

	out := make([]Snapshot, 0, len(items))
	for _, it := range items {
		if q.start != nil && compareValues(it.order, q.start.value) < 0 {
			continue
		}
		if q.end != nil && compareValues(it.order, q.end.value) > 0 {
			continue
		}
		out = append(out, it.snap)
	}
	if q.limitFirst > 0 && len(out) > q.limitFirst {
		out = out[:q.limitFirst]
	}
	if q.limitLast > 0 && len(out) > q.limitLast {
		out = out[len(out)-q.limitLast:]
	}
	return out
}

func (q Query) orderValue(s Snapshot) any {
	switch q.orderBy {
	case "", orderByKey:
		return s.Key
	case orderByValue:
		return s.Value()
	default:
		child := s.Child(q.orderBy)
		if !child.Exists() {
			return nil
		}
		return child.Value()
	}
}

func typeRank(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 2
		}
		return 1
	case json.Number, float64, float32, int, int64, int32, uint, uint64, uint32:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case json.Number:
		f, _ := x.Float64()
		return f
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case uint32:
		return float64(x)
	}
	return 0
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 3:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 4:
		return strings.Compare(a.(string), b.(string))
	case 5:
		return strings.Compare(canonical(a), canonical(b))
	}
	return 0
}

package query

import (
	"fmt"
	"sort"
	"strings"

	"entitycore/pkg/metadata"
)

// Ordering sorts results by a scalar path.
type Ordering struct {
	Path       string
	Descending bool
}

// EntityQuery selects records of one entity type. Builder methods return
// modified copies; a query value is never changed in place.
type EntityQuery struct {
	From      string
	Predicate Predicate
	Orderings []Ordering
	SkipCount int
	// TakeCount limits the result size; negative means unlimited.
	TakeCount int
	Options   *Options
}

// From starts a query over typeName.
func From(typeName string) *EntityQuery {
	return &EntityQuery{From: typeName, TakeCount: -1}
}

func (q *EntityQuery) clone() *EntityQuery {
	cp := *q
	cp.Orderings = append([]Ordering(nil), q.Orderings...)
	return &cp
}

// Where adds p, combined with any existing predicate by And.
func (q *EntityQuery) Where(p Predicate) *EntityQuery {
	cp := q.clone()
	if cp.Predicate == nil {
		cp.Predicate = p
	} else {
		cp.Predicate = And(cp.Predicate, p)
	}
	return cp
}

// OrderBy appends an ascending ordering.
func (q *EntityQuery) OrderBy(path string) *EntityQuery {
	cp := q.clone()
	cp.Orderings = append(cp.Orderings, Ordering{Path: path})
	return cp
}

// OrderByDesc appends a descending ordering.
func (q *EntityQuery) OrderByDesc(path string) *EntityQuery {
	cp := q.clone()
	cp.Orderings = append(cp.Orderings, Ordering{Path: path, Descending: true})
	return cp
}

// Skip drops the first n results.
func (q *EntityQuery) Skip(n int) *EntityQuery {
	cp := q.clone()
	cp.SkipCount = n
	return cp
}

// Take limits the result to n records.
func (q *EntityQuery) Take(n int) *EntityQuery {
	cp := q.clone()
	cp.TakeCount = n
	return cp
}

// WithOptions overrides the comparison options.
func (q *EntityQuery) WithOptions(o Options) *EntityQuery {
	cp := q.clone()
	cp.Options = &o
	return cp
}

func (q *EntityQuery) options() Options {
	if q.Options != nil {
		return *q.Options
	}
	return DefaultOptions
}

func (q *EntityQuery) String() string {
	var b strings.Builder
	b.WriteString(q.From)
	if q.Predicate != nil {
		fmt.Fprintf(&b, " where %s", q.Predicate)
	}
	for i, o := range q.Orderings {
		if i == 0 {
			b.WriteString(" orderby ")
		} else {
			b.WriteString(",")
		}
		b.WriteString(o.Path)
		if o.Descending {
			b.WriteString(" desc")
		}
	}
	if q.SkipCount > 0 {
		fmt.Fprintf(&b, " skip %d", q.SkipCount)
	}
	if q.TakeCount >= 0 {
		fmt.Fprintf(&b, " take %d", q.TakeCount)
	}
	return b.String()
}

// Validate resolves every path in the query against et.
func (q *EntityQuery) Validate(et *metadata.EntityType) error {
	s := scope{entityType: et}
	if q.Predicate != nil {
		if err := q.Predicate.validate(s); err != nil {
			return err
		}
	}
	for _, o := range q.Orderings {
		if _, err := s.resolveScalar(o.Path); err != nil {
			return err
		}
	}
	if q.SkipCount < 0 {
		return fmt.Errorf("skip must not be negative")
	}
	return nil
}

// Apply filters, orders and pages items. The input slice is not modified.
func Apply[R Record](q *EntityQuery, items []R) ([]R, error) {
	opts := q.options()
	out := make([]R, 0, len(items))
	for _, item := range items {
		if q.Predicate != nil {
			ok, err := q.Predicate.Test(item, opts)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, item)
	}
	if len(q.Orderings) > 0 {
		keys := make([][]any, len(out))
		for i, item := range out {
			keys[i] = make([]any, len(q.Orderings))
			for j, o := range q.Orderings {
				v, err := Path(o.Path).Eval(item)
				if err != nil {
					return nil, err
				}
				keys[i][j] = v
			}
		}
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			for j, o := range q.Orderings {
				c := orderValues(keys[idx[a]][j], keys[idx[b]][j], opts)
				if c == 0 {
					continue
				}
				if o.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		sorted := make([]R, len(out))
		for i, k := range idx {
			sorted[i] = out[k]
		}
		out = sorted
	}
	if q.SkipCount > 0 {
		if q.SkipCount >= len(out) {
			out = out[:0]
		} else {
			out = out[q.SkipCount:]
		}
	}
	if q.TakeCount >= 0 && q.TakeCount < len(out) {
		out = out[:q.TakeCount]
	}
	return out, nil
}

// orderValues sorts nil first and incomparable values as equal.
func orderValues(a, b any, opts Options) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	c, _ := compareValues(a, b, opts)
	return c
}

package query

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"entitycore/pkg/metadata"
)

// Options control string comparison.
type Options struct {
	// CaseSensitive compares strings byte-wise; otherwise case is folded.
	CaseSensitive bool
	// UseSQL92 ignores trailing blanks when comparing strings for equality
	// and ordering, as SQL-92 databases do.
	UseSQL92 bool
}

// DefaultOptions matches the comparison rules of typical relational stores.
var DefaultOptions = Options{CaseSensitive: false, UseSQL92: true}

func (o Options) normalize(s string) string {
	if o.UseSQL92 {
		s = strings.TrimRight(s, " ")
	}
	if !o.CaseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func applyOperator(op Operator, left, right any, opts Options) (bool, error) {
	switch op {
	case StartsWith, EndsWith, Contains:
		ls, lok := left.(string)
		rs, rok := right.(string)
		if left == nil || right == nil {
			return false, nil
		}
		if !lok || !rok {
			return false, fmt.Errorf("%s requires string operands, got %T and %T", op, left, right)
		}
		if !opts.CaseSensitive {
			ls, rs = strings.ToLower(ls), strings.ToLower(rs)
		}
		switch op {
		case StartsWith:
			return strings.HasPrefix(ls, rs), nil
		case EndsWith:
			return strings.HasSuffix(ls, rs), nil
		}
		return strings.Contains(ls, rs), nil
	case Eq, Ne:
		eq := valuesEqual(left, right, opts)
		return eq == (op == Eq), nil
	case Lt, Le, Gt, Ge:
		c, ok := compareValues(left, right, opts)
		if !ok {
			return false, nil
		}
		switch op {
		case Lt:
			return c < 0, nil
		case Le:
			return c <= 0, nil
		case Gt:
			return c > 0, nil
		}
		return c >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func valuesEqual(a, b any, opts Options) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compareValues(a, b, opts)
	return ok && c == 0
}

// compareValues orders two non-nil values. ok is false when the values are
// not comparable (nil, or mismatched kinds that do not coerce).
func compareValues(a, b any, opts Options) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			s, isStr := b.(string)
			if !isStr {
				return 0, false
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return 0, false
			}
			bf = f
		}
		return cmpFloat(af, bf), true
	}
	if _, ok := toFloat(b); ok {
		c, ok := compareValues(b, a, opts)
		return -c, ok
	}
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return strings.Compare(opts.normalize(av), opts.normalize(bv)), true
		case time.Time:
			c, ok := compareValues(b, a, opts)
			return -c, ok
		case bool:
			c, ok := compareValues(b, a, opts)
			return -c, ok
		}
		return 0, false
	case time.Time:
		bt, ok := b.(time.Time)
		if !ok {
			coerced, cok := metadata.DateTime.Coerce(b)
			if bt, ok = coerced.(time.Time); !cok || !ok {
				return 0, false
			}
		}
		return av.Compare(bt), true
	case bool:
		bb, ok := b.(bool)
		if !ok {
			coerced, cok := metadata.Boolean.Coerce(b)
			if bb, ok = coerced.(bool); !cok || !ok {
				return 0, false
			}
		}
		switch {
		case av == bb:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case []byte:
		bb, ok := b.([]byte)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av, bb), true
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case time.Duration:
		return float64(x), true
	}
	return 0, false
}

func expandSlice(v any) ([]any, bool) {
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Package query evaluates entity queries against records held in memory.
//
// A query is a predicate tree over property paths. Paths are dotted and may
// cross scalar navigations and complex properties ("customer.location.city");
// collection navigations are reached only through the Any and All quantifiers.
package query

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Record is the view of an entity or complex value the evaluator walks.
// Lookup returns a scalar, a nested Record, nil, or []Record for collections.
type Record interface {
	TypeName() string
	Lookup(name string) (any, error)
}

// Expr produces a value from a record.
type Expr interface {
	Eval(r Record) (any, error)
	String() string
	validate(scope scope) error
}

// PathExpr reads a dotted property path.
type PathExpr struct{ Path string }

// Path builds a property path expression.
func Path(path string) PathExpr { return PathExpr{Path: path} }

// Eval walks the path. A nil intermediate value yields nil.
func (p PathExpr) Eval(r Record) (any, error) {
	var cur any = r
	for _, part := range strings.Split(p.Path, ".") {
		switch rec := cur.(type) {
		case nil:
			return nil, nil
		case Record:
			v, err := rec.Lookup(part)
			if err != nil {
				return nil, err
			}
			cur = v
		default:
			return nil, domain.NewError(domain.ErrBadPath, r.TypeName(), p.Path, "cannot traverse past a scalar value")
		}
	}
	if _, isCollection := cur.([]Record); isCollection {
		return nil, domain.NewError(domain.ErrBadPath, r.TypeName(), p.Path, "collection navigation requires any/all")
	}
	return cur, nil
}

func (p PathExpr) String() string { return p.Path }

func (p PathExpr) validate(s scope) error {
	_, err := s.resolveScalar(p.Path)
	return err
}

// LitExpr is a constant.
type LitExpr struct{ Value any }

// Lit builds a literal expression.
func Lit(v any) LitExpr { return LitExpr{Value: v} }

// Eval returns the literal.
func (l LitExpr) Eval(Record) (any, error) { return l.Value, nil }

func (l LitExpr) String() string {
	switch v := l.Value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case nil:
		return "null"
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(l.Value)
}

func (LitExpr) validate(scope) error { return nil }

// FnExpr applies a named function to argument expressions.
type FnExpr struct {
	Name string
	Args []Expr
}

type function struct {
	minArgs, maxArgs int
	apply            func(args []any) (any, error)
}

var functions = map[string]function{
	"toLower": {1, 1, func(a []any) (any, error) { return mapString(a[0], strings.ToLower) }},
	"toUpper": {1, 1, func(a []any) (any, error) { return mapString(a[0], strings.ToUpper) }},
	"trim":    {1, 1, func(a []any) (any, error) { return mapString(a[0], strings.TrimSpace) }},
	"length": {1, 1, func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		s, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("length: expected string, got %T", a[0])
		}
		return int64(utf8.RuneCountInString(s)), nil
	}},
	"substring": {2, 3, substring},
	"year":      {1, 1, datePart(func(t time.Time) int64 { return int64(t.Year()) })},
	"month":     {1, 1, datePart(func(t time.Time) int64 { return int64(t.Month()) })},
	"day":       {1, 1, datePart(func(t time.Time) int64 { return int64(t.Day()) })},
}

// Fn builds a function call. Supported names: toLower, toUpper, trim, length,
// substring(s, start[, length]), year, month, day.
func Fn(name string, args ...Expr) FnExpr { return FnExpr{Name: name, Args: args} }

// Eval evaluates the arguments and applies the function.
func (f FnExpr) Eval(r Record) (any, error) {
	fn, ok := functions[f.Name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", f.Name)
	}
	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := a.Eval(r)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn.apply(args)
}

func (f FnExpr) String() string {
	parts := make([]string, len(f.Args))
	for i, a := range f.Args {
		parts[i] = a.String()
	}
	return f.Name + "(" + strings.Join(parts, ",") + ")"
}

func (f FnExpr) validate(s scope) error {
	fn, ok := functions[f.Name]
	if !ok {
		return fmt.Errorf("unknown function %q", f.Name)
	}
	if len(f.Args) < fn.minArgs || len(f.Args) > fn.maxArgs {
		return fmt.Errorf("%s: expected %d-%d arguments, got %d", f.Name, fn.minArgs, fn.maxArgs, len(f.Args))
	}
	for _, a := range f.Args {
		if err := a.validate(s); err != nil {
			return err
		}
	}
	return nil
}

func mapString(v any, fn func(string) string) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return fn(s), nil
}

func substring(a []any) (any, error) {
	if a[0] == nil {
		return nil, nil
	}
	s, ok := a[0].(string)
	if !ok {
		return nil, fmt.Errorf("substring: expected string, got %T", a[0])
	}
	runes := []rune(s)
	start, ok := toFloat(a[1])
	if !ok {
		return nil, fmt.Errorf("substring: start must be numeric")
	}
	from := clamp(int(start), 0, len(runes))
	to := len(runes)
	if len(a) == 3 {
		n, ok := toFloat(a[2])
		if !ok {
			return nil, fmt.Errorf("substring: length must be numeric")
		}
		to = clamp(from+int(n), from, len(runes))
	}
	return string(runes[from:to]), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func datePart(part func(time.Time) int64) func([]any) (any, error) {
	return func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		t, ok := a[0].(time.Time)
		if !ok {
			coerced, cok := metadata.DateTime.Coerce(a[0])
			if t, ok = coerced.(time.Time); !cok || !ok {
				return nil, fmt.Errorf("expected date, got %T", a[0])
			}
		}
		return part(t), nil
	}
}

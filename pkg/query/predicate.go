package query

import (
	"fmt"
	"strings"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// Operator is a binary comparison operator.
type Operator string

// Comparison operators.
const (
	Eq         Operator = "eq"
	Ne         Operator = "ne"
	Lt         Operator = "lt"
	Le         Operator = "le"
	Gt         Operator = "gt"
	Ge         Operator = "ge"
	StartsWith Operator = "startswith"
	EndsWith   Operator = "endswith"
	Contains   Operator = "contains"
	In         Operator = "in"
)

// ParseOperator accepts the operator names and their symbolic aliases.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "==", "=":
		return Eq, nil
	case "ne", "!=", "<>":
		return Ne, nil
	case "lt", "<":
		return Lt, nil
	case "le", "<=":
		return Le, nil
	case "gt", ">":
		return Gt, nil
	case "ge", ">=":
		return Ge, nil
	case "startswith":
		return StartsWith, nil
	case "endswith":
		return EndsWith, nil
	case "contains", "substringof":
		return Contains, nil
	case "in":
		return In, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Predicate is a boolean test over a record.
type Predicate interface {
	Test(r Record, opts Options) (bool, error)
	String() string
	validate(s scope) error
}

type scope struct {
	entityType *metadata.EntityType
}

func (s scope) resolve(path string) ([]metadata.Property, error) {
	if s.entityType == nil {
		return nil, nil
	}
	return s.entityType.ResolvePath(path)
}

func (s scope) resolveScalar(path string) (metadata.Property, error) {
	props, err := s.resolve(path)
	if err != nil || props == nil {
		return nil, err
	}
	for _, p := range props {
		if np, ok := p.(*metadata.NavigationProperty); ok && !np.IsScalar {
			return nil, domain.NewError(domain.ErrBadPath, s.entityType.Name, path, "collection navigation "+np.Name+" requires any/all")
		}
	}
	return props[len(props)-1], nil
}

func (s scope) resolveCollection(path string) (scope, error) {
	props, err := s.resolve(path)
	if err != nil || props == nil {
		return scope{}, err
	}
	for i, p := range props {
		np, ok := p.(*metadata.NavigationProperty)
		last := i == len(props)-1
		switch {
		case last && (!ok || np.IsScalar):
			return scope{}, domain.NewError(domain.ErrBadPath, s.entityType.Name, path, "any/all requires a collection navigation")
		case !last && ok && !np.IsScalar:
			return scope{}, domain.NewError(domain.ErrBadPath, s.entityType.Name, path, "nested collection navigation "+np.Name)
		case last:
			return scope{entityType: np.EntityType()}, nil
		}
	}
	return scope{}, nil
}

type comparison struct {
	left  Expr
	op    Operator
	right Expr
}

// Compare builds a binary predicate over two expressions.
func Compare(left Expr, op Operator, right Expr) Predicate {
	return comparison{left: left, op: op, right: right}
}

// Where compares a property path with a literal value.
func Where(path string, op Operator, value any) Predicate {
	if op == In {
		return InValues(Path(path), value)
	}
	return comparison{left: Path(path), op: op, right: Lit(value)}
}

func (c comparison) Test(r Record, opts Options) (bool, error) {
	lv, err := c.left.Eval(r)
	if err != nil {
		return false, err
	}
	rv, err := c.right.Eval(r)
	if err != nil {
		return false, err
	}
	return applyOperator(c.op, lv, rv, opts)
}

func (c comparison) String() string {
	switch c.op {
	case StartsWith, EndsWith, Contains:
		return fmt.Sprintf("%s(%s,%s)", c.op, c.left, c.right)
	}
	return fmt.Sprintf("%s %s %s", c.left, c.op, c.right)
}

func (c comparison) validate(s scope) error {
	switch c.op {
	case Eq, Ne, Lt, Le, Gt, Ge, StartsWith, EndsWith, Contains:
	default:
		return fmt.Errorf("operator %q is not a binary comparison", c.op)
	}
	if err := c.left.validate(s); err != nil {
		return err
	}
	return c.right.validate(s)
}

type inPredicate struct {
	expr   Expr
	values []any
}

// InValues matches when expr equals any of values. A single slice argument
// is expanded.
func InValues(expr Expr, values ...any) Predicate {
	if len(values) == 1 {
		if list, ok := values[0].([]any); ok {
			values = list
		} else if expanded, ok := expandSlice(values[0]); ok {
			values = expanded
		}
	}
	return inPredicate{expr: expr, values: values}
}

func (p inPredicate) Test(r Record, opts Options) (bool, error) {
	v, err := p.expr.Eval(r)
	if err != nil {
		return false, err
	}
	for _, candidate := range p.values {
		if ok, err := applyOperator(Eq, v, candidate, opts); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p inPredicate) String() string {
	parts := make([]string, len(p.values))
	for i, v := range p.values {
		parts[i] = Lit(v).String()
	}
	return fmt.Sprintf("%s in (%s)", p.expr, strings.Join(parts, ","))
}

func (p inPredicate) validate(s scope) error { return p.expr.validate(s) }

type logical struct {
	and   bool
	preds []Predicate
}

// And matches when every predicate matches. And() matches everything.
func And(preds ...Predicate) Predicate { return logical{and: true, preds: compact(preds)} }

// Or matches when any predicate matches. Or() matches nothing.
func Or(preds ...Predicate) Predicate { return logical{and: false, preds: compact(preds)} }

func compact(preds []Predicate) []Predicate {
	out := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (l logical) Test(r Record, opts Options) (bool, error) {
	for _, p := range l.preds {
		ok, err := p.Test(r, opts)
		if err != nil {
			return false, err
		}
		if ok != l.and {
			return ok, nil
		}
	}
	return l.and, nil
}

func (l logical) String() string {
	if len(l.preds) == 1 {
		return l.preds[0].String()
	}
	sep := " or "
	if l.and {
		sep = " and "
	}
	parts := make([]string, len(l.preds))
	for i, p := range l.preds {
		parts[i] = "(" + p.String() + ")"
	}
	return strings.Join(parts, sep)
}

func (l logical) validate(s scope) error {
	for _, p := range l.preds {
		if err := p.validate(s); err != nil {
			return err
		}
	}
	return nil
}

type negation struct{ pred Predicate }

// Not inverts p.
func Not(p Predicate) Predicate { return negation{pred: p} }

func (n negation) Test(r Record, opts Options) (bool, error) {
	ok, err := n.pred.Test(r, opts)
	return !ok, err
}

func (n negation) String() string { return "not (" + n.pred.String() + ")" }

func (n negation) validate(s scope) error { return n.pred.validate(s) }

type quantifier struct {
	all  bool
	path string
	pred Predicate
}

// Any matches when at least one member of the collection at path satisfies p.
// A nil p tests for a non-empty collection.
func Any(path string, p Predicate) Predicate { return quantifier{path: path, pred: p} }

// All matches when every member of the collection at path satisfies p. An
// empty collection matches.
func All(path string, p Predicate) Predicate { return quantifier{all: true, path: path, pred: p} }

func (q quantifier) members(r Record) ([]Record, error) {
	parts := strings.Split(q.path, ".")
	var cur Record = r
	for i, part := range parts {
		v, err := cur.Lookup(part)
		if err != nil {
			return nil, err
		}
		if i == len(parts)-1 {
			switch m := v.(type) {
			case []Record:
				return m, nil
			case nil:
				return nil, nil
			}
			return nil, domain.NewError(domain.ErrBadPath, r.TypeName(), q.path, "any/all requires a collection navigation")
		}
		next, ok := v.(Record)
		if !ok {
			if v == nil {
				return nil, nil
			}
			return nil, domain.NewError(domain.ErrBadPath, r.TypeName(), q.path, "cannot traverse "+part)
		}
		cur = next
	}
	return nil, nil
}

func (q quantifier) Test(r Record, opts Options) (bool, error) {
	members, err := q.members(r)
	if err != nil {
		return false, err
	}
	if q.pred == nil {
		return q.all || len(members) > 0, nil
	}
	for _, m := range members {
		ok, err := q.pred.Test(m, opts)
		if err != nil {
			return false, err
		}
		if q.all && !ok {
			return false, nil
		}
		if !q.all && ok {
			return true, nil
		}
	}
	return q.all, nil
}

func (q quantifier) String() string {
	name := "any"
	if q.all {
		name = "all"
	}
	if q.pred == nil {
		return q.path + "/" + name + "()"
	}
	return fmt.Sprintf("%s/%s(x: %s)", q.path, name, q.pred)
}

func (q quantifier) validate(s scope) error {
	inner, err := s.resolveCollection(q.path)
	if err != nil {
		return err
	}
	if q.pred == nil {
		return nil
	}
	return q.pred.validate(inner)
}

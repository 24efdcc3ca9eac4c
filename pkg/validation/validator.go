// Package validation provides the validators bound to entity properties and
// entity types, and the error values they produce.
//
// Validators are pure: they inspect a value and a Context and report pass/fail.
// They never mutate the entity they validate and never prevent a mutation; the
// entity cache stores invalid values and records the resulting errors.
package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Context describes the value under validation.
type Context struct {
	// Entity is the owning entity (or complex value) when known.
	Entity any
	// PropertyName is the simple property name; empty for entity-level validation.
	PropertyName string
	// PropertyPath is the dotted path from the owning entity (e.g. "location.city").
	PropertyPath string
	// DisplayName is used in messages; defaults to PropertyName.
	DisplayName string
	Value       any
	OldValue    any
}

// Func is the predicate implemented by a validator.
type Func func(value any, ctx Context) bool

// Validator binds a predicate to a name, a message template and parameters.
// Message templates reference parameters as %name% and may use %displayName% and %value%.
type Validator struct {
	name    string
	fn      Func
	message string
	params  map[string]any
}

// New constructs a validator. params may be nil.
func New(name string, fn Func, message string, params map[string]any) *Validator {
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	if message == "" {
		message = "'%displayName%' failed the " + name + " validation"
	}
	return &Validator{name: name, fn: fn, message: message, params: cp}
}

// Name returns the validator name.
func (v *Validator) Name() string { return v.name }

// Params returns a copy of the validator parameters.
func (v *Validator) Params() map[string]any {
	cp := make(map[string]any, len(v.params))
	for k, val := range v.params {
		cp[k] = val
	}
	return cp
}

// WithMessage returns a copy of v using a different message template.
func (v *Validator) WithMessage(message string) *Validator {
	return &Validator{name: v.name, fn: v.fn, message: message, params: v.params}
}

// Validate runs the predicate. It returns nil when value passes.
func (v *Validator) Validate(value any, ctx Context) *Error {
	ctx.Value = value
	if v.fn(value, ctx) {
		return nil
	}
	return &Error{
		Key:           ErrorKey(v.name, ctx.PropertyPath),
		ValidatorName: v.name,
		PropertyPath:  ctx.PropertyPath,
		Message:       v.Message(ctx),
		Value:         value,
	}
}

// Message renders the template for ctx.
func (v *Validator) Message(ctx Context) string {
	display := ctx.DisplayName
	if display == "" {
		display = ctx.PropertyName
	}
	if display == "" {
		display = "Value"
	}
	out := strings.ReplaceAll(v.message, "%displayName%", display)
	out = strings.ReplaceAll(out, "%value%", fmt.Sprint(ctx.Value))
	keys := make([]string, 0, len(v.params))
	for k := range v.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = strings.ReplaceAll(out, "%"+k+"%", fmt.Sprint(v.params[k]))
	}
	return out
}

func (v *Validator) String() string { return v.name }

// Error is a recorded validation failure.
type Error struct {
	// Key identifies the failure; one error per key is kept on an entity.
	Key           string
	ValidatorName string
	// PropertyPath is empty for entity-level errors.
	PropertyPath  string
	Message       string
	Value         any
	IsServerError bool
}

func (e *Error) Error() string { return e.Message }

// ErrorKey composes the key used to index errors on an entity.
func ErrorKey(validatorName, propertyPath string) string {
	if propertyPath == "" {
		return validatorName
	}
	return validatorName + ":" + propertyPath
}

// Diff compares the previous and current errors for one scope and returns
// the errors that appeared and disappeared, keyed by Error.Key.
func Diff(previous, current []*Error) (added, removed []*Error) {
	prev := make(map[string]*Error, len(previous))
	for _, e := range previous {
		prev[e.Key] = e
	}
	cur := make(map[string]*Error, len(current))
	for _, e := range current {
		cur[e.Key] = e
		if old, ok := prev[e.Key]; !ok || old.Message != e.Message {
			added = append(added, e)
			if ok {
				removed = append(removed, old)
			}
		}
	}
	for _, e := range previous {
		if _, ok := cur[e.Key]; !ok {
			removed = append(removed, e)
		}
	}
	return added, removed
}

package entity

import (
	"sort"
	"strings"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/pkg/validation"
)

// validationTarget is one property value to revalidate after a bulk write.
type validationTarget struct {
	prop   *metadata.DataProperty
	path   string
	value  any
	parent any
}

func (a *EntityAspect) options() ValidationOptions {
	if a.manager == nil {
		return DefaultValidationOptions
	}
	return a.manager.validationOptions
}

func (a *EntityAspect) logger() Logger {
	if a.manager == nil {
		return noopLogger{}
	}
	return a.manager.logger
}

// validatePropertyOnChange runs the property validators after a set and
// replaces the errors recorded for path.
func (a *EntityAspect) validatePropertyOnChange(p *metadata.DataProperty, v any, path string, parent any) {
	if !a.options().OnPropertyChange || (a.manager != nil && a.manager.loading > 0) {
		return
	}
	a.replaceErrors([]string{path}, runPropertyValidators(p, v, path, parent), false)
}

func (a *EntityAspect) validateTargets(targets []validationTarget) {
	paths := make([]string, 0, len(targets))
	var current []*validation.Error
	for _, t := range targets {
		paths = append(paths, t.path)
		current = append(current, runPropertyValidators(t.prop, t.value, t.path, t.parent)...)
	}
	a.replaceErrors(paths, current, false)
}

func runPropertyValidators(p *metadata.DataProperty, v any, path string, parent any) []*validation.Error {
	ctx := validation.Context{
		Entity:       parent,
		PropertyName: p.Name,
		PropertyPath: path,
		DisplayName:  p.Label(),
	}
	var out []*validation.Error
	for _, val := range p.AllValidators() {
		if err := val.Validate(v, ctx); err != nil {
			out = append(out, err)
		}
	}
	return out
}

// ValidateEntity runs every property, complex type, navigation and entity
// validator and replaces the locally produced errors. Server errors are kept.
// It reports whether the entity has no errors afterwards.
func (a *EntityAspect) ValidateEntity() bool {
	e := a.entity
	var current []*validation.Error
	for _, p := range e.entityType.Properties() {
		if p.IsComplex() {
			current = append(current, validateComplex(e.complex[p.Name], p, p.Name)...)
			continue
		}
		current = append(current, runPropertyValidators(p, e.values[p.Name], p.Name, e)...)
	}
	for _, np := range e.entityType.Navigations() {
		if len(np.Validators) == 0 {
			continue
		}
		var v any
		if np.IsScalar {
			if t := e.navs[np.Name]; t != nil {
				v = t
			}
		} else {
			v = e.collections[np.Name]
		}
		ctx := validation.Context{Entity: e, PropertyName: np.Name, PropertyPath: np.Name, DisplayName: np.Name}
		for _, val := range np.Validators {
			if err := val.Validate(v, ctx); err != nil {
				current = append(current, err)
			}
		}
	}
	for _, val := range e.entityType.Validators {
		if err := val.Validate(e, validation.Context{Entity: e}); err != nil {
			current = append(current, err)
		}
	}
	a.replaceErrors(nil, current, true)
	return len(a.errors) == 0
}

func validateComplex(co *ComplexObject, p *metadata.DataProperty, path string) []*validation.Error {
	var out []*validation.Error
	ctx := validation.Context{Entity: co, PropertyName: p.Name, PropertyPath: path, DisplayName: p.Label()}
	for _, val := range p.AllValidators() {
		if err := val.Validate(co, ctx); err != nil {
			out = append(out, err)
		}
	}
	for _, val := range co.complexType.Validators {
		if err := val.Validate(co, ctx); err != nil {
			out = append(out, err)
		}
	}
	for _, cp := range co.complexType.Properties() {
		sub := path + "." + cp.Name
		if cp.IsComplex() {
			out = append(out, validateComplex(co.complex[cp.Name], cp, sub)...)
			continue
		}
		out = append(out, runPropertyValidators(cp, co.values[cp.Name], sub, co)...)
	}
	return out
}

// ValidateProperty validates one property by name or dotted complex path and
// reports whether it passed.
func (a *EntityAspect) ValidateProperty(path string) (bool, error) {
	e := a.entity
	parts := strings.Split(path, ".")
	var owner any = e
	var p *metadata.DataProperty
	var value any
	for i, name := range parts {
		switch o := owner.(type) {
		case *Entity:
			p = o.entityType.DataProperty(name)
			if p == nil {
				if o.entityType.NavigationProperty(name) != nil && i == len(parts)-1 {
					return a.validateNavigation(name), nil
				}
				return false, domain.NewError(domain.ErrBadPath, e.entityType.Name, path, "")
			}
			if p.IsComplex() {
				owner = o.complex[name]
			} else {
				value = o.values[name]
			}
		case *ComplexObject:
			p = o.complexType.DataProperty(name)
			if p == nil {
				return false, domain.NewError(domain.ErrBadPath, e.entityType.Name, path, "")
			}
			if p.IsComplex() {
				owner = o.complex[name]
			} else {
				value = o.values[name]
			}
		}
		if !p.IsComplex() && i != len(parts)-1 {
			return false, domain.NewError(domain.ErrBadPath, e.entityType.Name, path, "")
		}
	}
	var current []*validation.Error
	if co, ok := owner.(*ComplexObject); ok && p.IsComplex() {
		current = validateComplex(co, p, path)
		a.replaceErrors(nil, current, false, path)
	} else {
		parent := owner
		current = runPropertyValidators(p, value, path, parent)
		a.replaceErrors([]string{path}, current, false)
	}
	return len(current) == 0, nil
}

func (a *EntityAspect) validateNavigation(name string) bool {
	e := a.entity
	np := e.entityType.NavigationProperty(name)
	var v any
	if np.IsScalar {
		if t := e.navs[name]; t != nil {
			v = t
		}
	} else {
		v = e.collections[name]
	}
	ctx := validation.Context{Entity: e, PropertyName: name, PropertyPath: name, DisplayName: name}
	var current []*validation.Error
	for _, val := range np.Validators {
		if err := val.Validate(v, ctx); err != nil {
			current = append(current, err)
		}
	}
	a.replaceErrors([]string{name}, current, false)
	return len(current) == 0
}

// ValidationErrors returns the recorded errors ordered by key. With a path,
// only errors for that property (or beneath that complex property) are returned.
func (a *EntityAspect) ValidationErrors(path ...string) []*validation.Error {
	if len(path) > 0 {
		return a.errorsUnder(path[0])
	}
	return sortedErrors(a.errors, func(*validation.Error) bool { return true })
}

// HasValidationErrors reports whether any error is recorded.
func (a *EntityAspect) HasValidationErrors() bool { return len(a.errors) > 0 }

func (a *EntityAspect) errorsUnder(path string) []*validation.Error {
	return sortedErrors(a.errors, func(err *validation.Error) bool {
		return err.PropertyPath == path || strings.HasPrefix(err.PropertyPath, path+".")
	})
}

func sortedErrors(errs map[string]*validation.Error, keep func(*validation.Error) bool) []*validation.Error {
	out := make([]*validation.Error, 0, len(errs))
	for _, err := range errs {
		if keep(err) {
			out = append(out, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AddValidationError records an error, typically one reported by a server.
func (a *EntityAspect) AddValidationError(err *validation.Error) {
	if err == nil {
		return
	}
	if err.Key == "" {
		err.Key = validation.ErrorKey(err.ValidatorName, err.PropertyPath)
	}
	var removed []*validation.Error
	if prev, ok := a.errors[err.Key]; ok {
		if prev == err {
			return
		}
		removed = append(removed, prev)
	}
	a.errors[err.Key] = err
	a.publishErrorsChanged([]*validation.Error{err}, removed)
}

// RemoveValidationError removes the error with key and reports whether it existed.
func (a *EntityAspect) RemoveValidationError(key string) bool {
	prev, ok := a.errors[key]
	if !ok {
		return false
	}
	delete(a.errors, key)
	a.publishErrorsChanged(nil, []*validation.Error{prev})
	return true
}

// ClearValidationErrors removes every recorded error.
func (a *EntityAspect) ClearValidationErrors() {
	if len(a.errors) == 0 {
		return
	}
	removed := sortedErrors(a.errors, func(*validation.Error) bool { return true })
	a.errors = make(map[string]*validation.Error)
	a.publishErrorsChanged(nil, removed)
}

// clearErrorsSilently drops errors without notification; used on detach.
func (a *EntityAspect) clearErrorsSilently() {
	a.errors = make(map[string]*validation.Error)
}

// replaceErrors swaps the errors in scope for current and publishes one
// change event when the set differs. Scope is the exact paths given, or
// everything when paths is nil, narrowed to prefixes when given. Local
// replacement keeps server errors unless the scope is a property write.
func (a *EntityAspect) replaceErrors(paths []string, current []*validation.Error, keepServer bool, prefixes ...string) {
	inScope := func(err *validation.Error) bool {
		if keepServer && err.IsServerError {
			return false
		}
		if paths == nil && len(prefixes) == 0 {
			return true
		}
		for _, p := range paths {
			if err.PropertyPath == p {
				return true
			}
		}
		for _, p := range prefixes {
			if err.PropertyPath == p || strings.HasPrefix(err.PropertyPath, p+".") {
				return true
			}
		}
		return false
	}
	previous := sortedErrors(a.errors, inScope)
	added, removed := validation.Diff(previous, current)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	for _, err := range previous {
		delete(a.errors, err.Key)
	}
	for _, err := range current {
		a.errors[err.Key] = err
	}
	a.publishErrorsChanged(added, removed)
}

func (a *EntityAspect) publishErrorsChanged(added, removed []*validation.Error) {
	args := ValidationErrorsChangedArgs{Entity: a.entity, Added: added, Removed: removed}
	a.validationErrorsChanged.Publish(args)
	if a.manager != nil {
		a.manager.validationErrorsChanged.Publish(args)
	}
}

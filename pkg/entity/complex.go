package entity

import (
	"fmt"
	"sort"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/pkg/query"
	"entitycore/pkg/validation"
)

// ComplexObject is an embedded, keyless value owned by exactly one entity or
// complex object. Assigning one complex value to another copies it.
type ComplexObject struct {
	complexType *metadata.ComplexType
	values      map[string]any
	complex     map[string]*ComplexObject
	aspect      *ComplexAspect
}

// ComplexAspect links a complex value to its owner and keeps its originals.
type ComplexAspect struct {
	object         *ComplexObject
	parent         any
	parentProperty *metadata.DataProperty
	originalValues map[string]any
}

// NewComplexObject returns an unowned complex value holding defaults. It can
// be assigned to a complex property, which copies its values.
func NewComplexObject(ct *metadata.ComplexType) *ComplexObject {
	return newComplexObject(ct)
}

func newComplexObject(ct *metadata.ComplexType) *ComplexObject {
	c := &ComplexObject{
		complexType: ct,
		values:      make(map[string]any),
		complex:     make(map[string]*ComplexObject),
	}
	c.aspect = &ComplexAspect{object: c, originalValues: make(map[string]any)}
	for _, p := range ct.Properties() {
		if p.IsComplex() {
			nested := newComplexObject(p.ComplexType())
			nested.aspect.attachTo(c, p)
			c.complex[p.Name] = nested
			continue
		}
		c.values[p.Name] = p.Default()
	}
	return c
}

func (a *ComplexAspect) attachTo(parent any, p *metadata.DataProperty) {
	a.parent = parent
	a.parentProperty = p
}

// Parent returns the owning *Entity or *ComplexObject, or nil.
func (a *ComplexAspect) Parent() any { return a.parent }

// ParentProperty returns the property of the parent holding this value.
func (a *ComplexAspect) ParentProperty() *metadata.DataProperty { return a.parentProperty }

// Entity returns the entity at the top of the ownership chain, or nil.
func (a *ComplexAspect) Entity() *Entity {
	switch p := a.parent.(type) {
	case *Entity:
		return p
	case *ComplexObject:
		return p.aspect.Entity()
	}
	return nil
}

// PropertyPath returns the dotted path from the owning entity.
func (a *ComplexAspect) PropertyPath() string {
	if a.parentProperty == nil {
		return ""
	}
	if p, ok := a.parent.(*ComplexObject); ok {
		if prefix := p.aspect.PropertyPath(); prefix != "" {
			return prefix + "." + a.parentProperty.Name
		}
	}
	return a.parentProperty.Name
}

// OriginalValues returns the pre-change values of this complex value's own properties.
func (a *ComplexAspect) OriginalValues() map[string]any {
	out := make(map[string]any, len(a.originalValues))
	for k, v := range a.originalValues {
		out[k] = v
	}
	return out
}

// ValidationErrors returns the owning entity's errors under this value's path.
func (a *ComplexAspect) ValidationErrors() []*validation.Error {
	owner := a.Entity()
	if owner == nil {
		return nil
	}
	return owner.aspect.errorsUnder(a.PropertyPath())
}

// Type returns the complex type descriptor.
func (c *ComplexObject) Type() *metadata.ComplexType { return c.complexType }

// TypeName implements query.Record.
func (c *ComplexObject) TypeName() string { return c.complexType.Name }

// Aspect returns the ownership controller.
func (c *ComplexObject) Aspect() *ComplexAspect { return c.aspect }

// Get returns a scalar value or a nested *ComplexObject.
func (c *ComplexObject) Get(name string) any {
	if v, ok := c.values[name]; ok {
		return v
	}
	if co, ok := c.complex[name]; ok {
		return co
	}
	return nil
}

// Complex returns the nested complex value name.
func (c *ComplexObject) Complex(name string) *ComplexObject { return c.complex[name] }

// GetPath reads a dotted path through nested complex values.
func (c *ComplexObject) GetPath(path string) (any, error) {
	return query.Path(path).Eval(c)
}

// Lookup implements query.Record.
func (c *ComplexObject) Lookup(name string) (any, error) {
	if v, ok := c.values[name]; ok {
		return v, nil
	}
	if co, ok := c.complex[name]; ok {
		return co, nil
	}
	return nil, domain.NewError(domain.ErrUnknownProperty, c.complexType.Name, name, "")
}

// Set assigns a property; the owning entity tracks the change under the
// dotted path of the property.
func (c *ComplexObject) Set(name string, value any) error {
	p := c.complexType.DataProperty(name)
	if p == nil {
		return domain.NewError(domain.ErrUnknownProperty, c.complexType.Name, name, "")
	}
	if p.IsComplex() {
		return c.complex[name].assign(value)
	}
	v, _ := p.DataType.Coerce(value)
	return c.setData(p, v, true)
}

// Values returns the property values with nested complex values as maps.
func (c *ComplexObject) Values() map[string]any {
	out := make(map[string]any, len(c.values)+len(c.complex))
	for k, v := range c.values {
		out[k] = v
	}
	for k, co := range c.complex {
		out[k] = co.Values()
	}
	return out
}

// Clone returns an unowned deep copy.
func (c *ComplexObject) Clone() *ComplexObject {
	cp := newComplexObject(c.complexType)
	for k, v := range c.values {
		cp.values[k] = v
	}
	for k, co := range c.complex {
		nested := co.Clone()
		nested.aspect.attachTo(cp, co.aspect.parentProperty)
		cp.complex[k] = nested
	}
	return cp
}

func (c *ComplexObject) String() string {
	return fmt.Sprintf("%s%v", c.complexType.Name, c.Values())
}

func (c *ComplexObject) setData(p *metadata.DataProperty, v any, notify bool) error {
	old := c.values[p.Name]
	if sameValue(old, v) {
		return nil
	}
	owner := c.aspect.Entity()
	if owner != nil && owner.aspect.tracking() && !p.IsUnmapped && owner.aspect.state.IsUnchangedOrModified() {
		if _, ok := c.aspect.originalValues[p.Name]; !ok {
			c.aspect.originalValues[p.Name] = old
		}
	}
	c.values[p.Name] = v
	if owner == nil {
		return nil
	}
	path := c.aspect.PropertyPath() + "." + p.Name
	owner.aspect.markModified(p)
	owner.aspect.validatePropertyOnChange(p, v, path, c)
	if notify {
		owner.aspect.publishPropertyChanged(PropertyChangedArgs{
			Entity: owner, PropertyName: path, Parent: c, OldValue: old, NewValue: v,
		})
	}
	return nil
}

// assign copies value into c. value may be a *ComplexObject of the same type
// or a map of property values; nil is rejected.
func (c *ComplexObject) assign(value any) error {
	switch src := value.(type) {
	case nil:
		return domain.NewError(domain.ErrTypeMismatch, c.complexType.Name, c.aspect.PropertyPath(),
			"complex type properties cannot be null")
	case *ComplexObject:
		if src == nil {
			return domain.NewError(domain.ErrTypeMismatch, c.complexType.Name, c.aspect.PropertyPath(),
				"complex type properties cannot be null")
		}
		if src.complexType != c.complexType {
			return domain.NewError(domain.ErrTypeMismatch, c.complexType.Name, c.aspect.PropertyPath(),
				"cannot assign "+src.complexType.Name)
		}
		if src == c {
			return nil
		}
		for _, p := range c.complexType.Properties() {
			if p.IsComplex() {
				if err := c.complex[p.Name].assign(src.complex[p.Name]); err != nil {
					return err
				}
				continue
			}
			if err := c.setData(p, src.values[p.Name], true); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		names := make([]string, 0, len(src))
		for name := range src {
			if c.complexType.DataProperty(name) == nil {
				return domain.NewError(domain.ErrUnknownProperty, c.complexType.Name, name, "")
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := c.Set(name, src[name]); err != nil {
				return err
			}
		}
		return nil
	}
	return domain.NewError(domain.ErrTypeMismatch, c.complexType.Name, c.aspect.PropertyPath(),
		fmt.Sprintf("cannot assign %T to a complex property", value))
}

// loadValues sets raw values without tracking; used for materialisation.
func (c *ComplexObject) loadValues(raw map[string]any) {
	for name, v := range raw {
		p := c.complexType.DataProperty(name)
		if p == nil {
			continue
		}
		if p.IsComplex() {
			if nested, ok := v.(map[string]any); ok {
				c.complex[name].loadValues(nested)
			}
			continue
		}
		coerced, _ := p.DataType.Coerce(v)
		c.values[name] = coerced
	}
}

func (c *ComplexObject) collectOriginals(prefix string, out map[string]any) {
	for k, v := range c.aspect.originalValues {
		out[prefix+"."+k] = v
	}
	for name, nested := range c.complex {
		nested.collectOriginals(prefix+"."+name, out)
	}
}

func (c *ComplexObject) clearOriginals() {
	c.aspect.originalValues = make(map[string]any)
	for _, nested := range c.complex {
		nested.clearOriginals()
	}
}

func (c *ComplexObject) restoreOriginals(prefix string) []validationTarget {
	originals := c.aspect.originalValues
	c.aspect.originalValues = make(map[string]any)
	names := make([]string, 0, len(originals))
	for name := range originals {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []validationTarget
	for _, name := range names {
		p := c.complexType.DataProperty(name)
		if p == nil {
			continue
		}
		_ = c.setData(p, originals[name], false)
		out = append(out, validationTarget{prop: p, path: prefix + "." + name, value: c.values[name], parent: c})
	}
	for name, nested := range c.complex {
		out = append(out, nested.restoreOriginals(prefix+"."+name)...)
	}
	return out
}

package entity

import (
	"fmt"
	"sort"
	"strings"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/pkg/query"
)

// Entity is a descriptor-driven record: scalar values, embedded complex values
// and navigation properties, tracked by its EntityAspect.
type Entity struct {
	entityType  *metadata.EntityType
	values      map[string]any
	complex     map[string]*ComplexObject
	navs        map[string]*Entity
	collections map[string]*NavigationCollection
	extras      map[string]any
	aspect      *EntityAspect
}

// NewEntity creates a detached entity holding default values.
func NewEntity(et *metadata.EntityType) *Entity {
	e := &Entity{
		entityType:  et,
		values:      make(map[string]any),
		complex:     make(map[string]*ComplexObject),
		navs:        make(map[string]*Entity),
		collections: make(map[string]*NavigationCollection),
		extras:      make(map[string]any),
	}
	e.aspect = newEntityAspect(e)
	for _, p := range et.Properties() {
		if p.IsComplex() {
			co := newComplexObject(p.ComplexType())
			co.aspect.attachTo(e, p)
			e.complex[p.Name] = co
			continue
		}
		e.values[p.Name] = p.Default()
	}
	for _, np := range et.Navigations() {
		if !np.IsScalar {
			e.collections[np.Name] = newNavigationCollection(e, np)
		}
	}
	return e
}

// Type returns the entity type descriptor.
func (e *Entity) Type() *metadata.EntityType { return e.entityType }

// TypeName implements query.Record.
func (e *Entity) TypeName() string { return e.entityType.Name }

// Aspect returns the change-tracking controller.
func (e *Entity) Aspect() *EntityAspect { return e.aspect }

// Key returns the current key built from the key property values.
func (e *Entity) Key() EntityKey {
	return EntityKey{entityType: e.entityType, values: e.keyValues()}
}

func (e *Entity) keyValues() []any {
	props := e.entityType.KeyProperties()
	out := make([]any, len(props))
	for i, p := range props {
		out[i] = e.values[p.Name]
	}
	return out
}

// Get returns a property value: a scalar, *ComplexObject, *Entity for scalar
// navigations, or *NavigationCollection. Unknown names return nil.
func (e *Entity) Get(name string) any {
	if v, ok := e.values[name]; ok {
		return v
	}
	if co, ok := e.complex[name]; ok {
		return co
	}
	if c, ok := e.collections[name]; ok {
		return c
	}
	if np := e.entityType.NavigationProperty(name); np != nil {
		if t := e.navs[name]; t != nil {
			return t
		}
	}
	return nil
}

// GetPath reads a dotted path across complex values and scalar navigations.
func (e *Entity) GetPath(path string) (any, error) {
	v, err := query.Path(path).Eval(e)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Nav returns the target of a scalar navigation, or nil.
func (e *Entity) Nav(name string) *Entity { return e.navs[name] }

// Collection returns the collection navigation name. The same instance is
// returned for the lifetime of the entity.
func (e *Entity) Collection(name string) *NavigationCollection { return e.collections[name] }

// Complex returns the embedded complex value name.
func (e *Entity) Complex(name string) *ComplexObject { return e.complex[name] }

// Extras returns a copy of the fields that matched no property when the entity
// was materialised.
func (e *Entity) Extras() map[string]any {
	out := make(map[string]any, len(e.extras))
	for k, v := range e.extras {
		out[k] = v
	}
	return out
}

// SetExtra stores an unmapped field; extras are never tracked or validated.
func (e *Entity) SetExtra(name string, value any) {
	e.extras[name] = value
}

// Lookup implements query.Record.
func (e *Entity) Lookup(name string) (any, error) {
	if v, ok := e.values[name]; ok {
		return v, nil
	}
	if co, ok := e.complex[name]; ok {
		return co, nil
	}
	if c, ok := e.collections[name]; ok {
		out := make([]query.Record, 0, c.Len())
		for _, m := range c.items {
			if !m.aspect.state.IsDeleted() {
				out = append(out, m)
			}
		}
		return out, nil
	}
	if e.entityType.NavigationProperty(name) != nil {
		if t := e.navs[name]; t != nil {
			return t, nil
		}
		return nil, nil
	}
	return nil, domain.NewError(domain.ErrUnknownProperty, e.entityType.Name, name, "")
}

// Set assigns a property through the full pipeline: coercion, change
// tracking, validation, notification and relationship fixup. Validation
// failures are recorded, not returned; errors are reserved for identity and
// shape violations, which leave the entity untouched.
func (e *Entity) Set(name string, value any) error {
	if dp := e.entityType.DataProperty(name); dp != nil {
		if dp.IsComplex() {
			return e.complex[name].assign(value)
		}
		v, _ := dp.DataType.Coerce(value)
		return e.setData(dp, v, true)
	}
	np := e.entityType.NavigationProperty(name)
	if np == nil {
		return domain.NewError(domain.ErrUnknownProperty, e.entityType.Name, name, "")
	}
	if !np.IsScalar {
		return domain.NewError(domain.ErrNavigationReadOnly, e.entityType.Name, name,
			"mutate the collection instead of replacing it")
	}
	var target *Entity
	switch t := value.(type) {
	case nil:
	case *Entity:
		target = t
	default:
		return domain.NewError(domain.ErrTypeMismatch, e.entityType.Name, name,
			fmt.Sprintf("expected *Entity, got %T", value))
	}
	return e.setNavigation(np, target)
}

// SetValues applies several data properties in sorted name order.
func (e *Entity) SetValues(values map[string]any) error {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Set(name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the data property values; complex values are nested maps.
func (e *Entity) Values() map[string]any {
	out := make(map[string]any, len(e.values)+len(e.complex))
	for k, v := range e.values {
		out[k] = v
	}
	for k, co := range e.complex {
		out[k] = co.Values()
	}
	return out
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s(%s)", e.entityType.Name, strings.TrimPrefix(e.Key().String(), e.entityType.Name+":"))
}

func (e *Entity) manager() *Manager { return e.aspect.manager }

func (e *Entity) isLoading() bool {
	m := e.aspect.manager
	return m != nil && m.loading > 0
}

// setData is the scalar setter shared by user sets and internal fixups. v must
// already be coerced. notify controls the propertyChanged notification; FK
// writes caused by a navigation set are silent.
func (e *Entity) setData(p *metadata.DataProperty, v any, notify bool) error {
	old := e.values[p.Name]
	if sameValue(old, v) {
		return nil
	}
	m := e.manager()
	var oldKey EntityKey
	if p.IsPartOfKey {
		oldKey = e.Key()
		if m != nil {
			newKey := e.keyWith(p, v)
			if other := m.findByKey(newKey); other != nil && other != e {
				m.logger.Warn("rejected key change", "entity", e.String(), "key", newKey.String())
				return domain.NewError(domain.ErrDuplicateKey, e.entityType.Name, p.Name, newKey.String())
			}
		}
	}
	e.aspect.recordOriginal(p, old)
	e.values[p.Name] = v
	if p.IsPartOfKey {
		e.onKeyChanged(oldKey)
	}
	e.aspect.markModified(p)
	e.aspect.validatePropertyOnChange(p, v, p.Name, e)
	if notify {
		e.aspect.publishPropertyChanged(PropertyChangedArgs{
			Entity: e, PropertyName: p.Name, Parent: e, OldValue: old, NewValue: v,
		})
	}
	if p.RelatedNavigationProperty() != nil || p.InverseNavigationProperty() != nil {
		e.fixupForeignKey(p, old)
	}
	return nil
}

func (e *Entity) keyWith(p *metadata.DataProperty, v any) EntityKey {
	vals := e.keyValues()
	for i, kp := range e.entityType.KeyProperties() {
		if kp == p {
			vals[i] = v
		}
	}
	return EntityKey{entityType: e.entityType, values: vals}
}

// setNavigation is the user-facing scalar navigation set.
func (e *Entity) setNavigation(np *metadata.NavigationProperty, target *Entity) error {
	if e.navs[np.Name] == target {
		return nil
	}
	if target != nil {
		if !target.entityType.IsSubtypeOf(np.EntityType()) {
			return domain.NewError(domain.ErrTypeMismatch, e.entityType.Name, np.Name,
				fmt.Sprintf("expected %s, got %s", np.EntityType().Name, target.entityType.Name))
		}
		if e.joinsThrough(np, target) {
			return e.joinThrough(np, target, navWrite{updateFK: true, notify: true})
		}
		if err := e.attachPartner(target); err != nil {
			return err
		}
	}
	if err := e.checkForeignKeyCollision(np, target); err != nil {
		return err
	}
	e.setNavigationCore(np, target, navWrite{updateFK: true, notify: true})
	return nil
}

// checkForeignKeyCollision rejects navigation sets whose FK rewrite would
// change a key into one already resident: this entity's key when it holds
// the FK, or the target's key when the target is the dependent end of a
// one-to-one association.
func (e *Entity) checkForeignKeyCollision(np *metadata.NavigationProperty, target *Entity) error {
	m := e.manager()
	if m == nil || target == nil {
		return nil
	}
	if !e.aspect.state.IsDeleted() {
		if err := keyRewriteCollision(m, e, np.RelatedDataProperties(), target.keyValues(), np.Name); err != nil {
			return err
		}
	}
	if inv := np.Inverse(); inv != nil && inv.IsScalar && inv.IsDependentEnd() && !target.aspect.state.IsDeleted() {
		return keyRewriteCollision(m, target, inv.RelatedDataProperties(), e.keyValues(), inv.Name)
	}
	return nil
}

// keyRewriteCollision reports ErrDuplicateKey when writing values into the
// fks of d would give d the key of another resident entity.
func keyRewriteCollision(m *Manager, d *Entity, fks []*metadata.DataProperty, values []any, nav string) error {
	vals := d.keyValues()
	changed := false
	for i, fk := range fks {
		if !fk.IsPartOfKey {
			continue
		}
		for j, kp := range d.entityType.KeyProperties() {
			if kp == fk && !sameValue(vals[j], values[i]) {
				vals[j] = values[i]
				changed = true
			}
		}
	}
	if !changed {
		return nil
	}
	newKey := EntityKey{entityType: d.entityType, values: vals}
	if other := m.findByKey(newKey); other != nil && other != d {
		m.logger.Warn("rejected key change", "entity", d.String(), "key", newKey.String())
		return domain.NewError(domain.ErrDuplicateKey, d.entityType.Name, nav, newKey.String())
	}
	return nil
}

// attachPartner brings the other side of a relationship into the same
// manager. A partner joins as Added when its key is unset or the resident
// side is Added, otherwise as Unchanged.
func (e *Entity) attachPartner(other *Entity) error {
	em, om := e.manager(), other.manager()
	switch {
	case em != nil && om != nil && em != om:
		return domain.NewError(domain.ErrForeignManager, other.entityType.Name, "", "entities belong to different managers")
	case em != nil && om == nil:
		if em.loading > 0 {
			return nil
		}
		return em.attach(other, partnerState(other, e), domain.ActionAttach)
	case em == nil && om != nil:
		if om.loading > 0 {
			return nil
		}
		return om.attach(e, partnerState(e, other), domain.ActionAttach)
	}
	return nil
}

// joinsThrough reports whether a detached, keyless e can only get its key
// from the resident target of np, so the link must precede the attach.
func (e *Entity) joinsThrough(np *metadata.NavigationProperty, target *Entity) bool {
	m := target.manager()
	if e.manager() != nil || m == nil || m.loading > 0 || !e.Key().IsEmpty() {
		return false
	}
	for _, fk := range np.RelatedDataProperties() {
		if fk.IsPartOfKey {
			return true
		}
	}
	return false
}

// joinThrough links e to target and then attaches it to target's manager.
// A failed attach restores the link and foreign keys e had before.
func (e *Entity) joinThrough(np *metadata.NavigationProperty, target *Entity, w navWrite) error {
	m := target.manager()
	state := partnerState(e, target)
	prev := e.navs[np.Name]
	saved := make(map[string]any)
	for _, fk := range np.RelatedDataProperties() {
		saved[fk.Name] = e.values[fk.Name]
	}
	e.setNavigationCore(np, target, w)
	if err := m.attach(e, state, domain.ActionAttach); err != nil {
		e.setNavigationCore(np, prev, navWrite{})
		for name, v := range saved {
			e.values[name] = v
		}
		return err
	}
	return nil
}

func partnerState(joining, resident *Entity) domain.EntityState {
	if joining.Key().IsEmpty() || resident.aspect.state.IsAdded() {
		return domain.StateAdded
	}
	return domain.StateUnchanged
}

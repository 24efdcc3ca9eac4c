package entity

import (
	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// navWrite controls the side effects of a scalar navigation write.
type navWrite struct {
	// updateFK rewrites the dependent side's foreign keys from the target key.
	updateFK bool
	notify   bool
}

// pendingRef is a child whose foreign key names a parent that is not resident
// yet. nav is the child's scalar navigation, or for unidirectional
// associations the parent's collection navigation.
type pendingRef struct {
	child   *Entity
	nav     *metadata.NavigationProperty
	inverse bool
}

// foreignKey returns the key referenced by the foreign keys of a dependent
// navigation, or false when any part is unset.
func (e *Entity) foreignKey(np *metadata.NavigationProperty) (EntityKey, bool) {
	return e.keyFrom(np.RelatedDataProperties(), np.EntityType())
}

// parentKeyFor returns the key of the parent owning np (a unidirectional
// collection) as referenced by e's inverse foreign keys.
func (e *Entity) parentKeyFor(np *metadata.NavigationProperty) (EntityKey, bool) {
	return e.keyFrom(np.InvDataProperties(), np.ParentType())
}

func (e *Entity) keyFrom(fks []*metadata.DataProperty, target *metadata.EntityType) (EntityKey, bool) {
	if len(fks) == 0 || len(fks) != len(target.KeyProperties()) {
		return EntityKey{}, false
	}
	vals := make([]any, len(fks))
	for i, fk := range fks {
		v := e.values[fk.Name]
		if isUnsetValue(fk, v) {
			return EntityKey{}, false
		}
		vals[i] = v
	}
	return EntityKey{entityType: target, values: vals}, true
}

// setNavigationCore points np at target and keeps the inverse side, the
// partner collections and, when w.updateFK is set, the foreign keys in step.
func (e *Entity) setNavigationCore(np *metadata.NavigationProperty, target *Entity, w navWrite) {
	old := e.navs[np.Name]
	if old == target {
		return
	}
	if target == nil {
		delete(e.navs, np.Name)
	} else {
		e.navs[np.Name] = target
	}
	inv := np.Inverse()
	switch {
	case inv != nil && inv.IsScalar:
		if old != nil && old.navs[inv.Name] == e {
			delete(old.navs, inv.Name)
			old.publishNavChanged(inv, e, nil, w.notify)
			if w.updateFK && inv.IsDependentEnd() {
				old.clearForeignKeys(inv)
			}
		}
		if target != nil {
			if prev := target.navs[inv.Name]; prev != nil && prev != e {
				delete(prev.navs, np.Name)
				prev.publishNavChanged(np, target, nil, w.notify)
				if w.updateFK && np.IsDependentEnd() {
					prev.clearForeignKeys(np)
				}
			}
			target.navs[inv.Name] = e
			target.publishNavChanged(inv, nil, e, w.notify)
			if w.updateFK && inv.IsDependentEnd() && !target.aspect.state.IsDeleted() {
				key := e.keyValues()
				for i, fk := range inv.RelatedDataProperties() {
					target.writeForeignKey(fk, key[i])
				}
			}
		}
	case inv != nil:
		if old != nil {
			old.collections[inv.Name].removeRaw(e)
		}
		if target != nil {
			target.collections[inv.Name].addRaw(e)
		}
	case len(np.InvDataProperties()) > 0 && w.updateFK:
		if old != nil {
			old.clearInverseForeignKeys(np)
		}
		if target != nil {
			key := e.keyValues()
			for i, fk := range np.InvDataProperties() {
				target.writeForeignKey(fk, key[i])
			}
		}
	}
	e.publishNavChanged(np, old, target, w.notify)
	if !w.updateFK || !np.IsDependentEnd() || e.aspect.state.IsDeleted() {
		return
	}
	var tk []any
	if target != nil {
		tk = target.keyValues()
	}
	for i, fk := range np.RelatedDataProperties() {
		var v any
		if target == nil {
			if fk.IsPartOfKey {
				continue
			}
		} else {
			v = tk[i]
		}
		e.writeForeignKey(fk, v)
	}
}

// writeForeignKey is the silent FK write of a fixup. The link it belongs to
// is already in place, so a failure is logged rather than returned.
func (e *Entity) writeForeignKey(fk *metadata.DataProperty, v any) {
	if err := e.setData(fk, v, false); err != nil {
		e.aspect.logger().Warn("foreign key update failed", "entity", e.String(), "property", fk.Name, "error", err)
	}
}

func (e *Entity) publishNavChanged(np *metadata.NavigationProperty, old, target *Entity, notify bool) {
	if !notify {
		return
	}
	var oldValue, newValue any
	if old != nil {
		oldValue = old
	}
	if target != nil {
		newValue = target
	}
	e.aspect.publishPropertyChanged(PropertyChangedArgs{
		Entity: e, PropertyName: np.Name, Parent: e, OldValue: oldValue, NewValue: newValue,
	})
}

func (e *Entity) clearForeignKeys(np *metadata.NavigationProperty) {
	if e.aspect.state.IsDeleted() {
		return
	}
	for _, fk := range np.RelatedDataProperties() {
		if !fk.IsPartOfKey {
			e.writeForeignKey(fk, nil)
		}
	}
}

func (e *Entity) clearInverseForeignKeys(np *metadata.NavigationProperty) {
	if e.aspect.state.IsDeleted() {
		return
	}
	for _, fk := range np.InvDataProperties() {
		if !fk.IsPartOfKey {
			e.writeForeignKey(fk, nil)
		}
	}
}

// fixupForeignKey resolves the navigation affected by a foreign key write:
// the child's scalar navigation, or for unidirectional associations the
// parent's collection. Parents that are not resident yet are remembered and
// linked when they arrive.
func (e *Entity) fixupForeignKey(p *metadata.DataProperty, old any) {
	m := e.manager()
	if m == nil || e.aspect.state.IsDeleted() {
		return
	}
	if np := p.RelatedNavigationProperty(); np != nil && e.entityType.NavigationProperty(np.Name) == np {
		key, ok := e.foreignKey(np)
		var parent *Entity
		if ok {
			parent = m.findByKey(key)
			if parent != nil && (parent.aspect.state.IsDeleted() || !parent.entityType.IsSubtypeOf(np.EntityType())) {
				parent = nil
			}
		}
		switch {
		case parent != nil:
			e.setNavigationCore(np, parent, navWrite{})
		default:
			e.setNavigationCore(np, nil, navWrite{})
			if ok {
				m.addPending(key, pendingRef{child: e, nav: np})
			}
		}
	}
	if np := p.InverseNavigationProperty(); np != nil {
		saved := e.values[p.Name]
		e.values[p.Name] = old
		oldKey, hadOld := e.parentKeyFor(np)
		e.values[p.Name] = saved
		if hadOld {
			if prev := m.findByKey(oldKey); prev != nil {
				prev.unlinkUnidirectional(np, e)
			}
		}
		key, ok := e.parentKeyFor(np)
		if !ok {
			return
		}
		if parent := m.findByKey(key); parent != nil && !parent.aspect.state.IsDeleted() {
			parent.linkUnidirectional(np, e)
			return
		}
		m.addPending(key, pendingRef{child: e, nav: np, inverse: true})
	}
}

func (e *Entity) linkUnidirectional(np *metadata.NavigationProperty, child *Entity) {
	if np.IsScalar {
		if e.navs[np.Name] != child {
			e.navs[np.Name] = child
		}
		return
	}
	e.collections[np.Name].addRaw(child)
}

func (e *Entity) unlinkUnidirectional(np *metadata.NavigationProperty, child *Entity) {
	if np.IsScalar {
		if e.navs[np.Name] == child {
			delete(e.navs, np.Name)
		}
		return
	}
	e.collections[np.Name].removeRaw(child)
}

// onKeyChanged reindexes e and rewrites the foreign keys of its dependents.
func (e *Entity) onKeyChanged(oldKey EntityKey) {
	m := e.manager()
	if m == nil {
		return
	}
	newKey := e.Key()
	m.reindex(e, oldKey, newKey)
	if e.aspect.hasTempKey && !m.keyGen.IsTemp(newKey) {
		m.keyGen.Release(oldKey)
		e.aspect.hasTempKey = false
	}
	vals := newKey.values
	for _, np := range e.entityType.Navigations() {
		inv := np.Inverse()
		var fks []*metadata.DataProperty
		switch {
		case inv != nil && inv.IsDependentEnd():
			fks = inv.RelatedDataProperties()
		case inv == nil:
			fks = np.InvDataProperties()
		}
		if len(fks) == 0 {
			continue
		}
		var dependents []*Entity
		if np.IsScalar {
			if t := e.navs[np.Name]; t != nil {
				dependents = []*Entity{t}
			}
		} else {
			dependents = e.collections[np.Name].Items()
		}
		for _, d := range dependents {
			if d.aspect.state.IsDeleted() {
				continue
			}
			for i, fk := range fks {
				if err := d.setData(fk, vals[i], true); err != nil {
					m.logger.Warn("foreign key propagation failed", "entity", d.String(), "property", fk.Name, "error", err)
				}
			}
		}
	}
	m.resolvePending(e)
}

func (m *Manager) addPending(key EntityKey, ref pendingRef) {
	h := key.hash()
	for _, r := range m.pending[h] {
		if r.child == ref.child && r.nav == ref.nav {
			return
		}
	}
	m.pending[h] = append(m.pending[h], ref)
}

// resolvePending links the children waiting for parent. Each reference is
// re-checked: the child must still be resident and still point at parent.
func (m *Manager) resolvePending(parent *Entity) {
	if parent.aspect.state.IsDeleted() {
		return
	}
	pk := parent.Key()
	h := pk.hash()
	refs := m.pending[h]
	if len(refs) == 0 {
		return
	}
	delete(m.pending, h)
	m.loading++
	defer func() { m.loading-- }()
	for _, ref := range refs {
		child := ref.child
		if child.manager() != m || child.aspect.state.IsDeleted() {
			continue
		}
		if ref.inverse {
			if !parent.entityType.IsSubtypeOf(ref.nav.ParentType()) {
				continue
			}
			if key, ok := child.parentKeyFor(ref.nav); ok && key.Equal(pk) {
				parent.linkUnidirectional(ref.nav, child)
			}
			continue
		}
		if !parent.entityType.IsSubtypeOf(ref.nav.EntityType()) {
			continue
		}
		if key, ok := child.foreignKey(ref.nav); ok && key.Equal(pk) && child.navs[ref.nav.Name] != parent {
			child.setNavigationCore(ref.nav, parent, navWrite{})
		}
	}
}

// linkRelatedEntities connects a newly resident (or undeleted) entity with
// the resident entities its foreign keys name and with the children waiting
// for it.
func (m *Manager) linkRelatedEntities(e *Entity) {
	if e.aspect.state.IsDeleted() {
		return
	}
	for _, np := range e.entityType.Navigations() {
		if np.IsScalar && np.IsDependentEnd() {
			key, ok := e.foreignKey(np)
			if !ok {
				if t := e.navs[np.Name]; t != nil && t.manager() == m {
					e.linkInverse(np, t)
				}
				continue
			}
			parent := m.findByKey(key)
			if parent == nil || parent.aspect.state.IsDeleted() || !parent.entityType.IsSubtypeOf(np.EntityType()) {
				m.addPending(key, pendingRef{child: e, nav: np})
				continue
			}
			if e.navs[np.Name] != parent {
				e.setNavigationCore(np, parent, navWrite{})
			} else {
				e.linkInverse(np, parent)
			}
			continue
		}
		if np.IsScalar {
			if t := e.navs[np.Name]; t != nil && t.manager() == m {
				e.linkInverse(np, t)
			}
			continue
		}
		inv := np.Inverse()
		for _, child := range e.collections[np.Name].Items() {
			if child.manager() != m {
				continue
			}
			if inv != nil && child.navs[inv.Name] == nil {
				child.navs[inv.Name] = e
			}
		}
	}
	seen := make(map[*metadata.NavigationProperty]bool)
	for _, fk := range e.entityType.ForeignKeyProperties() {
		np := fk.InverseNavigationProperty()
		if np == nil || seen[np] {
			continue
		}
		seen[np] = true
		key, ok := e.parentKeyFor(np)
		if !ok {
			continue
		}
		if parent := m.findByKey(key); parent != nil && !parent.aspect.state.IsDeleted() {
			parent.linkUnidirectional(np, e)
			continue
		}
		m.addPending(key, pendingRef{child: e, nav: np, inverse: true})
	}
	m.resolvePending(e)
}

// linkInverse makes the inverse side of np agree with e.navs[np].
func (e *Entity) linkInverse(np *metadata.NavigationProperty, target *Entity) {
	inv := np.Inverse()
	if inv == nil {
		return
	}
	if inv.IsScalar {
		target.navs[inv.Name] = e
		return
	}
	target.collections[inv.Name].addRaw(e)
}

// removeFromRelations severs e from its partners. For a delete, children
// lose their navigation but keep their foreign keys, and Unchanged children
// become Modified. For a detach, children change no state, and e keeps its
// own scalar navigations and foreign keys. In both cases the children are
// remembered so they relink if e returns.
func (m *Manager) removeFromRelations(e *Entity, deleted bool) {
	key := e.Key()
	for _, np := range e.entityType.Navigations() {
		inv := np.Inverse()
		if np.IsScalar {
			t := e.navs[np.Name]
			if t == nil {
				continue
			}
			switch {
			case inv != nil && inv.IsScalar && inv.IsDependentEnd():
				m.orphan(e, t, inv, key, deleted)
				if deleted {
					delete(e.navs, np.Name)
					e.publishNavChanged(np, t, nil, true)
				}
			case deleted:
				e.setNavigationCore(np, nil, navWrite{notify: true})
			case inv != nil && inv.IsScalar:
				if t.navs[inv.Name] == e {
					delete(t.navs, inv.Name)
					t.publishNavChanged(inv, e, nil, true)
				}
			case inv != nil:
				t.collections[inv.Name].removeRaw(e)
			}
			continue
		}
		c := e.collections[np.Name]
		for _, child := range c.Items() {
			if inv != nil {
				m.orphan(e, child, inv, key, deleted)
				continue
			}
			if deleted {
				child.markModifiedByCascade()
			}
			m.addPending(key, pendingRef{child: child, nav: np, inverse: true})
		}
		c.clearRaw()
	}
	seen := make(map[*metadata.NavigationProperty]bool)
	for _, fk := range e.entityType.ForeignKeyProperties() {
		np := fk.InverseNavigationProperty()
		if np == nil || seen[np] {
			continue
		}
		seen[np] = true
		if pk, ok := e.parentKeyFor(np); ok {
			if parent := m.findByKey(pk); parent != nil {
				parent.unlinkUnidirectional(np, e)
			}
		}
	}
}

// orphan clears child's navigation to parent without touching its foreign
// keys and queues it for relinking under parentKey.
func (m *Manager) orphan(parent, child *Entity, inv *metadata.NavigationProperty, parentKey EntityKey, deleted bool) {
	if child.navs[inv.Name] == parent {
		delete(child.navs, inv.Name)
		child.publishNavChanged(inv, parent, nil, true)
	}
	if deleted {
		child.markModifiedByCascade()
	}
	if !parentKey.IsEmpty() {
		m.addPending(parentKey, pendingRef{child: child, nav: inv})
	}
}

func (e *Entity) markModifiedByCascade() {
	a := e.aspect
	if a.manager == nil || !a.state.IsUnchanged() {
		return
	}
	a.setState(domain.StateModified)
	a.manager.publishEntityChanged(domain.ActionEntityStateChange, e, nil)
}

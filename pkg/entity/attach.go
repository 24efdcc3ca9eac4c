package entity

import (
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// keyPlan is the key an entity will carry once attached.
type keyPlan struct {
	values []any
	// unset is true when the key had to be generated or derived.
	unset bool
	temp  bool
}

func (m *Manager) attach(root *Entity, state domain.EntityState, action domain.EntityAction) error {
	start := time.Now()
	err := m.attachGraph(root, state, action)
	m.observe("attach", start, err)
	if err != nil {
		m.logger.Warn("attach failed", "entity", root.String(), "error", err)
	}
	return err
}

// attachGraph plans keys for every unattached entity reachable from root,
// checks them for collisions and only then mutates the cache.
func (m *Manager) attachGraph(root *Entity, state domain.EntityState, action domain.EntityAction) error {
	switch root.aspect.manager {
	case m:
		return nil
	case nil:
	default:
		return domain.NewError(domain.ErrForeignManager, root.entityType.Name, "", "entity is attached to another manager")
	}
	graph, err := m.collectGraph(root)
	if err != nil {
		return err
	}
	plans, err := m.planKeys(graph)
	if err != nil {
		return err
	}
	if err := m.checkPlannedKeys(graph, plans); err != nil {
		m.releasePlanned(graph, plans)
		return err
	}
	m.applyAttach(graph, plans, state, action)
	return nil
}

// collectGraph walks navigations breadth first and returns root followed by
// the unattached entities reachable from it.
func (m *Manager) collectGraph(root *Entity) ([]*Entity, error) {
	seen := map[*Entity]bool{root: true}
	graph := []*Entity{root}
	for i := 0; i < len(graph); i++ {
		e := graph[i]
		var next []*Entity
		for _, np := range e.entityType.Navigations() {
			if np.IsScalar {
				if t := e.navs[np.Name]; t != nil {
					next = append(next, t)
				}
				continue
			}
			next = append(next, e.collections[np.Name].items...)
		}
		for _, n := range next {
			if seen[n] {
				continue
			}
			seen[n] = true
			switch n.aspect.manager {
			case nil:
				graph = append(graph, n)
			case m:
			default:
				return nil, domain.NewError(domain.ErrForeignManager, n.entityType.Name, "", "related entity is attached to another manager")
			}
		}
	}
	return graph, nil
}

func (m *Manager) planKeys(graph []*Entity) (map[*Entity]*keyPlan, error) {
	plans := make(map[*Entity]*keyPlan, len(graph))
	var unresolved []*Entity
	for _, e := range graph {
		if !e.Key().IsEmpty() {
			plans[e] = &keyPlan{values: e.keyValues()}
			continue
		}
		if e.entityType.AutoGeneratedKeyType != metadata.KeyNone && e.entityType.AutoGeneratedKeyType != "" {
			if len(e.entityType.KeyProperties()) != 1 {
				m.releasePlanned(graph, plans)
				return nil, domain.NewError(domain.ErrMultipartKeyUnsupported, e.entityType.Name, "",
					"cannot generate a key for "+e.String())
			}
			v, temp, err := m.keyGen.Generate(e.entityType)
			if err != nil {
				m.releasePlanned(graph, plans)
				return nil, err
			}
			plans[e] = &keyPlan{values: []any{v}, unset: true, temp: temp}
			continue
		}
		unresolved = append(unresolved, e)
	}
	for len(unresolved) > 0 {
		var still []*Entity
		for _, e := range unresolved {
			if vals, ok := m.deriveKey(e, plans); ok {
				plans[e] = &keyPlan{values: vals, unset: true}
				continue
			}
			still = append(still, e)
		}
		if len(still) == len(unresolved) {
			m.releasePlanned(graph, plans)
			return nil, domain.NewError(domain.ErrMissingKey, still[0].entityType.Name, "",
				"cannot attach "+still[0].String()+" without a key")
		}
		unresolved = still
	}
	return plans, nil
}

// deriveKey fills unset key parts that are foreign keys from the planned or
// resident key of the navigation target.
func (m *Manager) deriveKey(e *Entity, plans map[*Entity]*keyPlan) ([]any, bool) {
	vals := e.keyValues()
	for i, kp := range e.entityType.KeyProperties() {
		if !isUnsetValue(kp, vals[i]) {
			continue
		}
		np := kp.RelatedNavigationProperty()
		if np == nil {
			return nil, false
		}
		t := e.navs[np.Name]
		if t == nil {
			return nil, false
		}
		var tk []any
		switch {
		case t.aspect.manager == m:
			tk = t.keyValues()
		case plans[t] != nil:
			tk = plans[t].values
		default:
			return nil, false
		}
		for j, fk := range np.RelatedDataProperties() {
			if fk == kp {
				vals[i] = tk[j]
			}
		}
		if isUnsetValue(kp, vals[i]) {
			return nil, false
		}
	}
	return vals, true
}

func (m *Manager) checkPlannedKeys(graph []*Entity, plans map[*Entity]*keyPlan) error {
	seen := make(map[string]*Entity, len(graph))
	for _, e := range graph {
		key := EntityKey{entityType: e.entityType, values: plans[e].values}
		h := key.hash()
		if other := m.index[h]; other != nil {
			return domain.NewError(domain.ErrDuplicateKey, e.entityType.Name, "", key.String())
		}
		if other := seen[h]; other != nil && other != e {
			return domain.NewError(domain.ErrDuplicateKey, e.entityType.Name, "", key.String())
		}
		seen[h] = e
	}
	return nil
}

func (m *Manager) releasePlanned(graph []*Entity, plans map[*Entity]*keyPlan) {
	for _, e := range graph {
		if p := plans[e]; p != nil && p.temp {
			m.keyGen.Release(EntityKey{entityType: e.entityType, values: p.values})
		}
	}
}

func (m *Manager) applyAttach(graph []*Entity, plans map[*Entity]*keyPlan, state domain.EntityState, action domain.EntityAction) {
	inGraph := make(map[*Entity]bool, len(graph))
	m.loading++
	for _, e := range graph {
		inGraph[e] = true
		a := e.aspect
		p := plans[e]
		for i, kp := range e.entityType.KeyProperties() {
			e.values[kp.Name] = p.values[i]
		}
		a.manager = m
		m.seq++
		a.seq = m.seq
		a.hasTempKey = p.temp
		st := state
		if p.unset {
			st = domain.StateAdded
		}
		a.setState(st)
		m.index[e.Key().hash()] = e
	}
	var resident []*Entity
	for _, e := range graph {
		resident = append(resident, m.syncForeignKeys(e, inGraph)...)
	}
	for _, e := range graph {
		m.linkRelatedEntities(e)
	}
	m.loading--
	for _, e := range resident {
		m.linkRelatedEntities(e)
	}
	for _, e := range graph {
		if m.validationOptions.OnAttach {
			e.aspect.ValidateEntity()
		}
		m.publishEntityChanged(action, e, nil)
	}
}

// syncForeignKeys makes the foreign keys of e and of its dependents agree
// with the navigations set before attach. Changed Unchanged entities become
// Modified. It returns resident dependents that were rewritten.
func (m *Manager) syncForeignKeys(e *Entity, inGraph map[*Entity]bool) []*Entity {
	var touched []*Entity
	for _, np := range e.entityType.Navigations() {
		inv := np.Inverse()
		if np.IsScalar {
			t := e.navs[np.Name]
			if t == nil {
				continue
			}
			if np.IsDependentEnd() {
				setLoadedForeignKeys(e, np.RelatedDataProperties(), t.keyValues())
			}
			if inv != nil && inv.IsScalar && inv.IsDependentEnd() {
				touched = append(touched, m.syncDependent(t, inv.RelatedDataProperties(), e.keyValues(), inGraph)...)
			}
			continue
		}
		for _, child := range e.collections[np.Name].items {
			var fks []*metadata.DataProperty
			switch {
			case inv != nil:
				if child.navs[inv.Name] == nil {
					child.navs[inv.Name] = e
				}
				fks = inv.RelatedDataProperties()
			default:
				fks = np.InvDataProperties()
			}
			touched = append(touched, m.syncDependent(child, fks, e.keyValues(), inGraph)...)
		}
	}
	return touched
}

func (m *Manager) syncDependent(d *Entity, fks []*metadata.DataProperty, key []any, inGraph map[*Entity]bool) []*Entity {
	if len(fks) == 0 {
		return nil
	}
	if inGraph[d] {
		setLoadedForeignKeys(d, fks, key)
		return nil
	}
	changed := false
	m.loading--
	for i, fk := range fks {
		if !sameValue(d.values[fk.Name], key[i]) {
			if err := d.setData(fk, key[i], true); err != nil {
				m.logger.Warn("foreign key update failed", "entity", d.String(), "property", fk.Name, "error", err)
				continue
			}
			changed = true
		}
	}
	m.loading++
	if changed {
		return []*Entity{d}
	}
	return nil
}

// setLoadedForeignKeys writes foreign keys of an entity being attached. An
// Unchanged entity whose values change records originals and becomes Modified.
func setLoadedForeignKeys(e *Entity, fks []*metadata.DataProperty, key []any) {
	a := e.aspect
	for i, fk := range fks {
		old := e.values[fk.Name]
		if sameValue(old, key[i]) || fk.IsPartOfKey {
			continue
		}
		if a.state.IsUnchangedOrModified() {
			if _, ok := a.originalValues[fk.Name]; !ok {
				a.originalValues[fk.Name] = old
			}
			if a.state.IsUnchanged() {
				a.setState(domain.StateModified)
			}
		}
		e.values[fk.Name] = key[i]
	}
}

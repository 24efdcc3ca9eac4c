package entity

import (
	"sort"
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// TypeField names the record field that selects a subtype of the merged type.
const TypeField = "$type"

// MergeOptions control how incoming records are reconciled with resident
// entities. A zero MergeStrategy uses the manager's default.
type MergeOptions struct {
	MergeStrategy domain.MergeStrategy
}

// mergeRun collects the per-entity outcome of one merge so notifications are
// published once, after every record is applied.
type mergeRun struct {
	strategy domain.MergeStrategy
	visited  map[*Entity]bool
	attached []*Entity
	merged   []*Entity
	onAttach domain.EntityAction
	onMerge  domain.EntityAction
}

// MergeRecords materialises query results of typeName. Records are maps of
// property values; a record may nest related records under its navigation
// names. Resident entities are reconciled per the merge strategy; new ones
// are attached Unchanged. Each entity yields one AttachOnQuery or
// MergeOnQuery action.
func (m *Manager) MergeRecords(typeName string, records []map[string]any, opts ...MergeOptions) (result []*Entity, err error) {
	start := time.Now()
	defer func() { m.observe("merge", start, err) }()
	et, err := m.store.EntityType(typeName)
	if err != nil {
		return nil, err
	}
	run := m.newMergeRun(opts, domain.ActionAttachOnQuery, domain.ActionMergeOnQuery)
	if err := m.precheckRecords(et, records, run.strategy); err != nil {
		return nil, err
	}
	m.loading++
	m.quiet++
	for _, rec := range records {
		e, err := m.mergeRecord(et, rec, run)
		if err != nil {
			m.quiet--
			m.loading--
			m.logger.Warn("merge failed", "type", typeName, "error", err)
			m.finishMerge(run)
			return result, err
		}
		result = append(result, e)
	}
	m.quiet--
	m.loading--
	m.finishMerge(run)
	return result, nil
}

func (m *Manager) newMergeRun(opts []MergeOptions, onAttach, onMerge domain.EntityAction) *mergeRun {
	strategy := m.mergeStrategy
	if len(opts) > 0 && opts[0].MergeStrategy.Valid() {
		strategy = opts[0].MergeStrategy
	}
	return &mergeRun{
		strategy: strategy,
		visited:  make(map[*Entity]bool),
		onAttach: onAttach,
		onMerge:  onMerge,
	}
}

// precheckRecords validates keys and types up front so a failing merge
// leaves the cache untouched.
func (m *Manager) precheckRecords(et *metadata.EntityType, records []map[string]any, strategy domain.MergeStrategy) error {
	for _, rec := range records {
		t, err := m.recordType(et, rec)
		if err != nil {
			return err
		}
		key, err := recordKey(t, rec)
		if err != nil {
			return err
		}
		if strategy == domain.MergeDisallowed && m.findByKey(key) != nil {
			return domain.NewError(domain.ErrMergeDisallowed, t.Name, "", key.String())
		}
		for _, np := range t.Navigations() {
			nested, ok := rec[np.Name]
			if !ok {
				continue
			}
			if err := m.precheckRecords(np.EntityType(), nestedRecords(nested), strategy); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) recordType(et *metadata.EntityType, rec map[string]any) (*metadata.EntityType, error) {
	name, ok := rec[TypeField].(string)
	if !ok || name == "" || name == et.Name {
		return et, nil
	}
	t, err := m.store.EntityType(name)
	if err != nil {
		return nil, err
	}
	if !t.IsSubtypeOf(et) {
		return nil, domain.NewError(domain.ErrTypeMismatch, et.Name, "", name+" is not a subtype")
	}
	return t, nil
}

func recordKey(et *metadata.EntityType, rec map[string]any) (EntityKey, error) {
	props := et.KeyProperties()
	vals := make([]any, len(props))
	for i, p := range props {
		raw, ok := rec[p.Name]
		if !ok {
			return EntityKey{}, domain.NewError(domain.ErrMissingKey, et.Name, p.Name, "record has no key value")
		}
		v, ok := p.DataType.Coerce(raw)
		if !ok || isUnsetValue(p, v) {
			return EntityKey{}, domain.NewError(domain.ErrMissingKey, et.Name, p.Name, "record has no key value")
		}
		vals[i] = v
	}
	return EntityKey{entityType: et, values: vals}, nil
}

func nestedRecords(v any) []map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return []map[string]any{x}
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, it := range x {
			if rec, ok := it.(map[string]any); ok {
				out = append(out, rec)
			}
		}
		return out
	}
	return nil
}

func (m *Manager) mergeRecord(base *metadata.EntityType, rec map[string]any, run *mergeRun) (*Entity, error) {
	et, err := m.recordType(base, rec)
	if err != nil {
		return nil, err
	}
	key, err := recordKey(et, rec)
	if err != nil {
		return nil, err
	}
	e := m.findByKey(key)
	applied := false
	switch {
	case e != nil && run.visited[e]:
		return e, nil
	case e != nil:
		run.visited[e] = true
		applied = m.mergeInto(e, rec, run.strategy)
		if applied {
			run.merged = append(run.merged, e)
		}
	default:
		e = m.materialize(et, rec)
		run.visited[e] = true
		run.attached = append(run.attached, e)
		applied = true
	}
	for _, np := range et.Navigations() {
		raw, ok := rec[np.Name]
		if !ok {
			continue
		}
		for _, nested := range nestedRecords(raw) {
			child, err := m.mergeRecord(np.EntityType(), nested, run)
			if err != nil {
				return e, err
			}
			if applied {
				linkMerged(e, np, child)
			}
		}
	}
	return e, nil
}

// linkMerged connects a nested record's entity to its owner the way the
// foreign keys would once both are resident.
func linkMerged(owner *Entity, np *metadata.NavigationProperty, child *Entity) {
	if child.aspect.state.IsDeleted() || owner.aspect.state.IsDeleted() {
		return
	}
	if np.IsScalar {
		owner.setNavigationCore(np, child, navWrite{updateFK: true})
		return
	}
	if inv := np.Inverse(); inv != nil {
		child.setNavigationCore(inv, owner, navWrite{updateFK: true})
		return
	}
	key := owner.keyValues()
	for i, fk := range np.InvDataProperties() {
		child.writeForeignKey(fk, key[i])
	}
	owner.collections[np.Name].addRaw(child)
}

// materialize creates and indexes an Unchanged entity from a record. The
// caller holds the loading guard.
func (m *Manager) materialize(et *metadata.EntityType, rec map[string]any) *Entity {
	e := NewEntity(et)
	m.initialize(e)
	loadRecordValues(e, rec)
	a := e.aspect
	a.manager = m
	a.wasLoaded = true
	m.seq++
	a.seq = m.seq
	a.setState(domain.StateUnchanged)
	m.index[e.Key().hash()] = e
	return e
}

// loadRecordValues copies record fields into a detached entity without
// tracking. Unknown fields become extras; navigation fields are skipped.
func loadRecordValues(e *Entity, rec map[string]any) {
	et := e.entityType
	for name, raw := range rec {
		if name == TypeField {
			continue
		}
		p := et.DataProperty(name)
		if p == nil {
			if et.NavigationProperty(name) == nil {
				e.extras[name] = raw
			}
			continue
		}
		if p.IsComplex() {
			if vals, ok := raw.(map[string]any); ok {
				e.complex[name].loadValues(vals)
			}
			continue
		}
		v, _ := p.DataType.Coerce(raw)
		e.values[name] = v
	}
}

// mergeInto applies rec to a resident entity per strategy and reports
// whether anything was applied. The caller holds the loading and quiet guards.
func (m *Manager) mergeInto(e *Entity, rec map[string]any, strategy domain.MergeStrategy) bool {
	a := e.aspect
	switch strategy {
	case domain.MergeSkip, domain.MergeDisallowed:
		return false
	case domain.MergePreserveChanges:
		if !a.state.IsUnchanged() {
			return false
		}
	}
	names := make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == TypeField {
			continue
		}
		p := e.entityType.DataProperty(name)
		switch {
		case p == nil:
			if e.entityType.NavigationProperty(name) == nil {
				e.extras[name] = rec[name]
			}
		case p.IsComplex():
			if vals, ok := rec[name].(map[string]any); ok {
				if err := e.complex[name].assign(vals); err != nil {
					m.logger.Warn("merge value rejected", "entity", e.String(), "property", name, "error", err)
				}
			}
		case p.IsPartOfKey:
		default:
			v, _ := p.DataType.Coerce(rec[name])
			if err := e.setData(p, v, false); err != nil {
				m.logger.Warn("merge value rejected", "entity", e.String(), "property", name, "error", err)
			}
		}
	}
	if !a.state.IsUnchanged() {
		a.clearOriginals()
		a.setState(domain.StateUnchanged)
	}
	return true
}

// finishMerge links the new and merged entities, validates them when query
// validation is enabled and publishes one action per entity.
func (m *Manager) finishMerge(run *mergeRun) {
	m.loading++
	for _, e := range run.attached {
		m.linkRelatedEntities(e)
	}
	for _, e := range run.merged {
		m.linkRelatedEntities(e)
	}
	m.loading--
	for _, e := range run.attached {
		if m.validationOptions.OnQuery {
			e.aspect.ValidateEntity()
		}
		m.publishEntityChanged(run.onAttach, e, nil)
	}
	for _, e := range run.merged {
		if m.validationOptions.OnQuery {
			e.aspect.ValidateEntity()
		}
		e.aspect.propertyChanged.Publish(PropertyChangedArgs{Entity: e, Parent: e})
		m.publishEntityChanged(run.onMerge, e, nil)
	}
}

// SavedEntity pairs a saved entity with the values the server returned for
// it, typically the permanent key replacing a temporary one.
type SavedEntity struct {
	Entity *Entity
	Values map[string]any
}

// AcceptSaveResult applies server values to saved entities, replacing
// temporary keys (foreign keys of dependents follow), and accepts their
// changes. Deleted entities leave the cache.
func (m *Manager) AcceptSaveResult(saved []SavedEntity) error {
	for _, s := range saved {
		if s.Entity == nil || s.Entity.aspect.manager != m {
			return domain.NewError(domain.ErrNotAttached, "", "", "saved entity is not resident")
		}
	}
	m.loading++
	for _, s := range saved {
		e := s.Entity
		if e.aspect.state.IsDeleted() {
			continue
		}
		for _, kp := range e.entityType.KeyProperties() {
			raw, ok := s.Values[kp.Name]
			if !ok {
				continue
			}
			v, _ := kp.DataType.Coerce(raw)
			if err := e.setData(kp, v, true); err != nil {
				m.loading--
				return err
			}
		}
	}
	m.quiet++
	for _, s := range saved {
		e := s.Entity
		if e.aspect.state.IsDeleted() {
			continue
		}
		names := make([]string, 0, len(s.Values))
		for name := range s.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := e.entityType.DataProperty(name)
			switch {
			case p == nil:
			case p.IsPartOfKey:
			case p.IsComplex():
				if vals, ok := s.Values[name].(map[string]any); ok {
					if err := e.complex[name].assign(vals); err != nil {
						m.logger.Warn("saved value rejected", "entity", e.String(), "property", name, "error", err)
					}
				}
			default:
				v, _ := p.DataType.Coerce(s.Values[name])
				if err := e.setData(p, v, false); err != nil {
					m.logger.Warn("saved value rejected", "entity", e.String(), "property", name, "error", err)
				}
			}
		}
	}
	m.quiet--
	m.loading--
	for _, s := range saved {
		e := s.Entity
		a := e.aspect
		if a.state.IsDeleted() {
			m.detach(e)
			continue
		}
		a.clearOriginals()
		a.setState(domain.StateUnchanged)
		if a.hasTempKey {
			m.keyGen.Release(e.Key())
			a.hasTempKey = false
		}
		m.publishEntityChanged(domain.ActionMergeOnSave, e, nil)
	}
	return nil
}

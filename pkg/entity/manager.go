// Package entity implements the client-side unit of work: an identity-mapped
// cache of entities described by pkg/metadata, with change tracking,
// relationship fixup, validation and export/import.
//
// A Manager and the entities attached to it are not safe for concurrent use.
// All notifications are delivered synchronously on the calling goroutine.
package entity

import (
	"sort"
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/pkg/query"
)

// Manager owns a set of entities keyed by EntityKey.
type Manager struct {
	store             *metadata.Store
	logger            Logger
	metrics           MetricsRecorder
	keyGen            KeyGenerator
	validationOptions ValidationOptions
	mergeStrategy     domain.MergeStrategy
	queryOptions      query.Options
	now               func() time.Time

	index        map[string]*Entity
	pending      map[string][]pendingRef
	initializers map[string][]func(*Entity)
	seq          uint64

	// loading suppresses change tracking, validation and implicit attach
	// while the cache rewrites itself; quiet suppresses property notifications.
	loading      int
	quiet        int
	changedCount int
	hasChanges   bool

	entityChanged           Event[EntityChangedArgs]
	validationErrorsChanged Event[ValidationErrorsChangedArgs]
	hasChangesChanged       Event[HasChangesChangedArgs]
}

// NewManager constructs an empty cache over store, freezing it if needed.
func NewManager(store *metadata.Store, opts ...Option) (*Manager, error) {
	if !store.IsFrozen() {
		if err := store.Freeze(); err != nil {
			return nil, err
		}
	}
	m := &Manager{
		store:             store,
		logger:            noopLogger{},
		metrics:           noopMetrics{},
		keyGen:            NewKeyGenerator(),
		validationOptions: DefaultValidationOptions,
		mergeStrategy:     domain.MergePreserveChanges,
		queryOptions:      query.DefaultOptions,
		now:               time.Now,
		index:             make(map[string]*Entity),
		pending:           make(map[string][]pendingRef),
		initializers:      make(map[string][]func(*Entity)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store returns the metadata store.
func (m *Manager) Store() *metadata.Store { return m.store }

// EntityChanged is the aggregate stream of entity actions.
func (m *Manager) EntityChanged() *Event[EntityChangedArgs] { return &m.entityChanged }

// ValidationErrorsChanged forwards every entity's validation error changes.
func (m *Manager) ValidationErrorsChanged() *Event[ValidationErrorsChangedArgs] {
	return &m.validationErrorsChanged
}

// HasChangesChanged is published when HasChanges() flips.
func (m *Manager) HasChangesChanged() *Event[HasChangesChangedArgs] { return &m.hasChangesChanged }

// RegisterInitializer adds fn to the functions run on every new entity of
// typeName (and its subtypes) created by CreateEntity, MergeRecords or Import.
func (m *Manager) RegisterInitializer(typeName string, fn func(*Entity)) error {
	if _, err := m.store.EntityType(typeName); err != nil {
		return err
	}
	m.initializers[typeName] = append(m.initializers[typeName], fn)
	return nil
}

// initialize runs initializers from the root type down to e's own type.
func (m *Manager) initialize(e *Entity) {
	var chain []*metadata.EntityType
	for t := e.entityType; t != nil; t = t.BaseType() {
		chain = append(chain, t)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, fn := range m.initializers[chain[i].Name] {
			fn(e)
		}
	}
}

// CreateEntity builds an entity of typeName, runs its initializers and
// applies values; names that match no property are kept as extras. The
// entity is attached in state when one is given and not Detached.
func (m *Manager) CreateEntity(typeName string, values map[string]any, state ...domain.EntityState) (*Entity, error) {
	et, err := m.store.EntityType(typeName)
	if err != nil {
		return nil, err
	}
	e := NewEntity(et)
	m.initialize(e)
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := et.Property(name); !ok {
			e.SetExtra(name, values[name])
			continue
		}
		if err := e.Set(name, values[name]); err != nil {
			return nil, err
		}
	}
	if len(state) > 0 && !state[0].IsDetached() {
		if err := m.AttachEntity(e, state[0]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AttachEntity makes e and every unattached entity reachable from it resident
// in state (Unchanged by default). Entities without a key get a temporary key
// when their type generates keys and are attached as Added. Nothing is
// attached when an error is returned.
func (m *Manager) AttachEntity(e *Entity, state ...domain.EntityState) error {
	st := domain.StateUnchanged
	if len(state) > 0 {
		st = state[0]
	}
	if !st.Valid() || st.IsDetached() {
		return domain.NewError(domain.ErrTypeMismatch, e.entityType.Name, "", "cannot attach as "+st.String())
	}
	return m.attach(e, st, domain.ActionAttach)
}

// AddEntity attaches e as Added.
func (m *Manager) AddEntity(e *Entity) error {
	return m.AttachEntity(e, domain.StateAdded)
}

// DetachEntity removes e from the cache and reports whether it was resident.
func (m *Manager) DetachEntity(e *Entity) bool {
	if e == nil || e.aspect.manager != m {
		return false
	}
	start := time.Now()
	m.detach(e)
	m.observe("detach", start, nil)
	return true
}

func (m *Manager) detach(e *Entity) {
	a := e.aspect
	key := e.Key()
	m.removeFromRelations(e, false)
	if m.index[key.hash()] == e {
		delete(m.index, key.hash())
	}
	if a.hasTempKey {
		m.keyGen.Release(key)
		a.hasTempKey = false
	}
	a.setState(domain.StateDetached)
	a.manager = nil
	a.clearOriginals()
	a.clearErrorsSilently()
	m.logger.Debug("detached entity", "entity", e.String())
	m.publishEntityChanged(domain.ActionDetach, e, nil)
}

func (m *Manager) findByKey(key EntityKey) *Entity {
	if key.IsZero() {
		return nil
	}
	return m.index[key.hash()]
}

func (m *Manager) reindex(e *Entity, oldKey, newKey EntityKey) {
	if h := oldKey.hash(); m.index[h] == e {
		delete(m.index, h)
	}
	m.index[newKey.hash()] = e
}

// FindEntityByKey returns the resident entity with key, or nil. A key of a
// base type matches resident entities of its subtypes.
func (m *Manager) FindEntityByKey(key EntityKey) *Entity {
	e := m.findByKey(key)
	if e == nil || !e.entityType.IsSubtypeOf(key.entityType) {
		return nil
	}
	return e
}

// GetEntityByKey builds a key for typeName and looks it up.
func (m *Manager) GetEntityByKey(typeName string, values ...any) (*Entity, error) {
	et, err := m.store.EntityType(typeName)
	if err != nil {
		return nil, err
	}
	key, err := NewEntityKey(et, values...)
	if err != nil {
		return nil, err
	}
	return m.FindEntityByKey(key), nil
}

// EntityFilter selects resident entities. Types and States are ORed within
// and ANDed between; empty means any. Types include their subtypes.
type EntityFilter struct {
	Types  []string
	States []domain.EntityState
}

// GetEntities returns the matching resident entities in attach order.
func (m *Manager) GetEntities(filter EntityFilter) ([]*Entity, error) {
	var types map[*metadata.EntityType]bool
	if len(filter.Types) > 0 {
		types = make(map[*metadata.EntityType]bool)
		for _, name := range filter.Types {
			et, err := m.store.EntityType(name)
			if err != nil {
				return nil, err
			}
			for _, st := range et.SelfAndSubtypes() {
				types[st] = true
			}
		}
	}
	var states map[domain.EntityState]bool
	if len(filter.States) > 0 {
		states = make(map[domain.EntityState]bool)
		for _, s := range filter.States {
			states[s] = true
		}
	}
	out := make([]*Entity, 0, len(m.index))
	for _, e := range m.index {
		if types != nil && !types[e.entityType] {
			continue
		}
		if states != nil && !states[e.aspect.state] {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].aspect.seq < out[j].aspect.seq })
	return out, nil
}

// GetChanges returns the Added, Modified and Deleted entities of types (all
// types when none are given).
func (m *Manager) GetChanges(types ...string) ([]*Entity, error) {
	return m.GetEntities(EntityFilter{Types: types, States: domain.ChangedStates})
}

// HasChanges reports whether any entity of types (or any entity) has
// pending changes. Unknown types have none.
func (m *Manager) HasChanges(types ...string) bool {
	if len(types) == 0 {
		return m.changedCount > 0
	}
	changes, err := m.GetChanges(types...)
	return err == nil && len(changes) > 0
}

func (m *Manager) checkHasChanges() {
	now := m.changedCount > 0
	if now == m.hasChanges {
		return
	}
	m.hasChanges = now
	m.hasChangesChanged.Publish(HasChangesChangedArgs{HasChanges: now})
}

// RejectChanges rejects every pending change and returns the affected entities.
func (m *Manager) RejectChanges() []*Entity {
	changes, _ := m.GetChanges()
	for _, e := range changes {
		e.aspect.RejectChanges()
	}
	return changes
}

// AcceptChanges accepts every pending change and returns the affected entities.
func (m *Manager) AcceptChanges() []*Entity {
	changes, _ := m.GetChanges()
	for _, e := range changes {
		e.aspect.AcceptChanges()
	}
	return changes
}

// Clear detaches every entity without per-entity notifications, resets the
// temporary key generator and publishes a single Clear action.
func (m *Manager) Clear() {
	for _, e := range m.index {
		a := e.aspect
		a.state = domain.StateDetached
		a.manager = nil
		a.hasTempKey = false
		a.clearOriginals()
		a.clearErrorsSilently()
	}
	m.index = make(map[string]*Entity)
	m.pending = make(map[string][]pendingRef)
	m.keyGen.Reset()
	m.changedCount = 0
	m.checkHasChanges()
	m.publishEntityChanged(domain.ActionClear, nil, nil)
}

// GenerateTempKeyValue assigns a generated key to e and returns it.
func (m *Manager) GenerateTempKeyValue(e *Entity) (any, error) {
	v, temp, err := m.keyGen.Generate(e.entityType)
	if err != nil {
		return nil, err
	}
	kp := e.entityType.KeyProperties()[0]
	if err := e.setData(kp, v, true); err != nil {
		if temp {
			m.keyGen.Release(EntityKey{entityType: e.entityType, values: []any{v}})
		}
		return nil, err
	}
	e.aspect.hasTempKey = temp
	return v, nil
}

// ExecuteQueryLocally runs q against the resident, non-deleted entities of
// the queried type and its subtypes.
func (m *Manager) ExecuteQueryLocally(q *query.EntityQuery) (result []*Entity, err error) {
	start := time.Now()
	defer func() { m.observe("query_local", start, err) }()
	et, err := m.store.EntityType(q.From)
	if err != nil {
		return nil, err
	}
	if err := q.Validate(et); err != nil {
		return nil, err
	}
	resident, err := m.GetEntities(EntityFilter{Types: []string{et.Name}})
	if err != nil {
		return nil, err
	}
	items := make([]*Entity, 0, len(resident))
	for _, e := range resident {
		if !e.aspect.state.IsDeleted() {
			items = append(items, e)
		}
	}
	if q.Options == nil {
		q = q.WithOptions(m.queryOptions)
	}
	return query.Apply(q, items)
}

// ValidateForSave validates every pending change (when save validation is
// enabled) and returns the changed entities that have errors.
func (m *Manager) ValidateForSave() []*Entity {
	changes, _ := m.GetChanges()
	var invalid []*Entity
	for _, e := range changes {
		if e.aspect.state.IsDeleted() {
			continue
		}
		if m.validationOptions.OnSave {
			e.aspect.ValidateEntity()
		}
		if e.aspect.HasValidationErrors() {
			invalid = append(invalid, e)
		}
	}
	return invalid
}

func (m *Manager) publishEntityChanged(action domain.EntityAction, e *Entity, args any) {
	m.entityChanged.Publish(EntityChangedArgs{Action: action, Entity: e, Args: args})
}

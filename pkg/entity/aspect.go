package entity

import (
	"sort"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
	"entitycore/pkg/validation"
)

// EntityAspect holds the tracking state of one entity: its EntityState, the
// owning manager, original values, validation errors and change channels.
type EntityAspect struct {
	entity         *Entity
	manager        *Manager
	state          domain.EntityState
	originalValues map[string]any
	hasTempKey     bool
	wasLoaded      bool
	seq            uint64
	errors         map[string]*validation.Error

	propertyChanged         Event[PropertyChangedArgs]
	validationErrorsChanged Event[ValidationErrorsChangedArgs]
}

func newEntityAspect(e *Entity) *EntityAspect {
	return &EntityAspect{
		entity:         e,
		state:          domain.StateDetached,
		originalValues: make(map[string]any),
		errors:         make(map[string]*validation.Error),
	}
}

// Entity returns the owning entity.
func (a *EntityAspect) Entity() *Entity { return a.entity }

// State returns the current EntityState.
func (a *EntityAspect) State() domain.EntityState { return a.state }

// Manager returns the manager the entity is attached to, or nil.
func (a *EntityAspect) Manager() *Manager { return a.manager }

// Key returns the entity key.
func (a *EntityAspect) Key() EntityKey { return a.entity.Key() }

// HasTempKey reports whether the key was generated locally as a placeholder.
func (a *EntityAspect) HasTempKey() bool { return a.hasTempKey }

// WasLoaded reports whether the entity was materialised from query results.
func (a *EntityAspect) WasLoaded() bool { return a.wasLoaded }

// PropertyChanged is published after every property mutation on this entity,
// including mutations of its complex values.
func (a *EntityAspect) PropertyChanged() *Event[PropertyChangedArgs] { return &a.propertyChanged }

// ValidationErrorsChanged is published at most once per property set or
// validation call, when the error set actually changed.
func (a *EntityAspect) ValidationErrorsChanged() *Event[ValidationErrorsChangedArgs] {
	return &a.validationErrorsChanged
}

// OriginalValues returns the pre-change values of modified data properties.
// Complex property originals are keyed by dotted path.
func (a *EntityAspect) OriginalValues() map[string]any {
	out := make(map[string]any, len(a.originalValues))
	for k, v := range a.originalValues {
		out[k] = v
	}
	for name, co := range a.entity.complex {
		co.collectOriginals(name, out)
	}
	return out
}

// OriginalValue returns the original value of a data property, if recorded.
func (a *EntityAspect) OriginalValue(name string) (any, bool) {
	v, ok := a.originalValues[name]
	return v, ok
}

// ParentKey returns the key referenced by the foreign keys of np, or false when
// np has no foreign keys or any of them is unset.
func (a *EntityAspect) ParentKey(np *metadata.NavigationProperty) (EntityKey, bool) {
	return a.entity.foreignKey(np)
}

// SetUnchanged clears original values and marks the entity Unchanged.
func (a *EntityAspect) SetUnchanged() {
	if a.manager == nil || a.state.IsUnchanged() {
		return
	}
	a.clearOriginals()
	a.setState(domain.StateUnchanged)
	a.manager.publishEntityChanged(domain.ActionEntityStateChange, a.entity, nil)
}

// SetModified marks an attached entity Modified.
func (a *EntityAspect) SetModified() {
	if a.manager == nil || a.state.IsModified() {
		return
	}
	a.setState(domain.StateModified)
	a.manager.publishEntityChanged(domain.ActionEntityStateChange, a.entity, nil)
}

// SetAdded marks an attached entity Added.
func (a *EntityAspect) SetAdded() {
	if a.manager == nil || a.state.IsAdded() {
		return
	}
	a.clearOriginals()
	a.setState(domain.StateAdded)
	a.manager.publishEntityChanged(domain.ActionEntityStateChange, a.entity, nil)
}

// SetDeleted marks the entity for deletion. An Added entity never existed
// remotely and is detached instead. Deleting severs every relationship.
func (a *EntityAspect) SetDeleted() error {
	m := a.manager
	if m == nil {
		return domain.NewError(domain.ErrNotAttached, a.entity.entityType.Name, "", "cannot delete a detached entity")
	}
	switch {
	case a.state.IsDeleted():
		return nil
	case a.state.IsAdded():
		m.detach(a.entity)
		return nil
	}
	a.setState(domain.StateDeleted)
	m.removeFromRelations(a.entity, true)
	m.publishEntityChanged(domain.ActionEntityStateChange, a.entity, nil)
	return nil
}

// SetDetached removes the entity from its manager.
func (a *EntityAspect) SetDetached() {
	if a.manager != nil {
		a.manager.DetachEntity(a.entity)
	}
}

// AcceptChanges makes the current values the originals: Added and Modified
// become Unchanged, Deleted entities leave the manager.
func (a *EntityAspect) AcceptChanges() {
	m := a.manager
	if m == nil {
		return
	}
	switch {
	case a.state.IsDeleted():
		m.detach(a.entity)
	case a.state.IsAdded(), a.state.IsModified():
		a.clearOriginals()
		a.setState(domain.StateUnchanged)
	default:
		return
	}
	m.publishEntityChanged(domain.ActionAcceptChanges, a.entity, nil)
}

// RejectChanges restores original values. Modified entities return to
// Unchanged, Added entities are detached, and Deleted entities are relinked
// with their partners and become Unchanged.
func (a *EntityAspect) RejectChanges() {
	m := a.manager
	if m == nil || a.state.IsUnchanged() {
		return
	}
	e := a.entity
	if a.state.IsAdded() {
		m.detach(e)
		return
	}
	wasDeleted := a.state.IsDeleted()
	restored := a.restoreOriginals()
	a.setState(domain.StateUnchanged)
	if wasDeleted {
		m.loading++
		m.linkRelatedEntities(e)
		m.loading--
	}
	if m.validationOptions.OnPropertyChange && len(restored) > 0 {
		a.validateTargets(restored)
	}
	a.publishPropertyChanged(PropertyChangedArgs{Entity: e, Parent: e})
	m.publishEntityChanged(domain.ActionRejectChanges, e, nil)
}

// restoreOriginals writes originals back through the setters so fixup runs,
// without recording new originals or raising per-property notifications.
func (a *EntityAspect) restoreOriginals() []validationTarget {
	m := a.manager
	e := a.entity
	m.loading++
	m.quiet++
	defer func() {
		m.loading--
		m.quiet--
	}()
	var restored []validationTarget
	names := make([]string, 0, len(a.originalValues))
	for name := range a.originalValues {
		names = append(names, name)
	}
	sort.Strings(names)
	originals := a.originalValues
	a.originalValues = make(map[string]any)
	for _, name := range names {
		p := e.entityType.DataProperty(name)
		if p == nil {
			continue
		}
		if err := e.setData(p, originals[name], false); err != nil {
			m.logger.Warn("restore original value failed", "entity", e.String(), "property", name, "error", err)
			continue
		}
		restored = append(restored, validationTarget{prop: p, path: name, value: e.values[name], parent: e})
	}
	for name, co := range e.complex {
		restored = append(restored, co.restoreOriginals(name)...)
	}
	return restored
}

func (a *EntityAspect) clearOriginals() {
	a.originalValues = make(map[string]any)
	for _, co := range a.entity.complex {
		co.clearOriginals()
	}
}

// tracking reports whether mutations should record originals and change state.
func (a *EntityAspect) tracking() bool {
	return a.manager != nil && a.manager.loading == 0
}

func (a *EntityAspect) recordOriginal(p *metadata.DataProperty, old any) {
	if !a.tracking() || p.IsUnmapped || !a.state.IsUnchangedOrModified() {
		return
	}
	if _, ok := a.originalValues[p.Name]; !ok {
		a.originalValues[p.Name] = old
	}
}

func (a *EntityAspect) markModified(p *metadata.DataProperty) {
	if !a.tracking() || p.IsUnmapped || !a.state.IsUnchanged() {
		return
	}
	a.setState(domain.StateModified)
	a.manager.publishEntityChanged(domain.ActionEntityStateChange, a.entity, nil)
}

// setState changes the state and keeps the manager's change count current.
func (a *EntityAspect) setState(s domain.EntityState) {
	if a.state == s {
		return
	}
	m := a.manager
	was := a.state.IsAddedModifiedOrDeleted()
	a.state = s
	if m == nil {
		return
	}
	now := s.IsAddedModifiedOrDeleted()
	switch {
	case was && !now:
		m.changedCount--
	case !was && now:
		m.changedCount++
	}
	m.checkHasChanges()
}

func (a *EntityAspect) publishPropertyChanged(args PropertyChangedArgs) {
	m := a.manager
	if m != nil && m.quiet > 0 {
		return
	}
	a.propertyChanged.Publish(args)
	if m != nil {
		m.publishEntityChanged(domain.ActionPropertyChange, a.entity, args)
	}
}

// Package domain defines the shared lifecycle states, change actions, merge
// strategies and error taxonomy used by the entity cache packages.
package domain

// EntityState identifies where a tracked entity sits in its change lifecycle.
type EntityState string

// Canonical entity states. Every entity is in exactly one of them.
const (
	// StateDetached marks an entity that is not resident in any cache.
	StateDetached EntityState = "Detached"
	// StateAdded marks a new entity that does not yet exist remotely.
	StateAdded EntityState = "Added"
	// StateUnchanged marks an entity whose values match the remote store.
	StateUnchanged EntityState = "Unchanged"
	// StateModified marks an entity with pending property changes.
	StateModified EntityState = "Modified"
	// StateDeleted marks an entity scheduled for remote deletion.
	StateDeleted EntityState = "Deleted"
)

// AllStates lists the states in declaration order.
var AllStates = []EntityState{StateDetached, StateAdded, StateUnchanged, StateModified, StateDeleted}

// ChangedStates lists the states that carry pending changes.
var ChangedStates = []EntityState{StateAdded, StateModified, StateDeleted}

func (s EntityState) String() string { return string(s) }

// IsDetached reports whether s is StateDetached.
func (s EntityState) IsDetached() bool { return s == StateDetached }

// IsAdded reports whether s is StateAdded.
func (s EntityState) IsAdded() bool { return s == StateAdded }

// IsUnchanged reports whether s is StateUnchanged.
func (s EntityState) IsUnchanged() bool { return s == StateUnchanged }

// IsModified reports whether s is StateModified.
func (s EntityState) IsModified() bool { return s == StateModified }

// IsDeleted reports whether s is StateDeleted.
func (s EntityState) IsDeleted() bool { return s == StateDeleted }

// IsAddedModifiedOrDeleted reports whether s carries pending changes.
func (s EntityState) IsAddedModifiedOrDeleted() bool {
	return s == StateAdded || s == StateModified || s == StateDeleted
}

// IsUnchangedOrModified reports whether s describes an entity known to the remote store
// and not scheduled for deletion.
func (s EntityState) IsUnchangedOrModified() bool {
	return s == StateUnchanged || s == StateModified
}

// Valid reports whether s is one of the canonical states.
func (s EntityState) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// EntityAction tags an event published on a cache's entity change stream.
type EntityAction string

// Entity change actions.
const (
	ActionAttach            EntityAction = "Attach"
	ActionAttachOnQuery     EntityAction = "AttachOnQuery"
	ActionAttachOnImport    EntityAction = "AttachOnImport"
	ActionDetach            EntityAction = "Detach"
	ActionMergeOnQuery      EntityAction = "MergeOnQuery"
	ActionMergeOnImport     EntityAction = "MergeOnImport"
	ActionMergeOnSave       EntityAction = "MergeOnSave"
	ActionPropertyChange    EntityAction = "PropertyChange"
	ActionEntityStateChange EntityAction = "EntityStateChange"
	ActionAcceptChanges     EntityAction = "AcceptChanges"
	ActionRejectChanges     EntityAction = "RejectChanges"
	ActionClear             EntityAction = "Clear"
)

func (a EntityAction) String() string { return string(a) }

// IsAttach reports whether the action brought an entity into a cache.
func (a EntityAction) IsAttach() bool {
	return a == ActionAttach || a == ActionAttachOnQuery || a == ActionAttachOnImport
}

// IsDetach reports whether the action removed an entity (or every entity) from a cache.
func (a EntityAction) IsDetach() bool {
	return a == ActionDetach || a == ActionClear
}

// IsModification reports whether the action changed the values or state of a resident entity.
func (a EntityAction) IsModification() bool {
	switch a {
	case ActionMergeOnQuery, ActionMergeOnImport, ActionMergeOnSave, ActionPropertyChange,
		ActionEntityStateChange, ActionAcceptChanges, ActionRejectChanges:
		return true
	}
	return false
}

// MergeStrategy decides how incoming data is reconciled with an already-resident entity.
type MergeStrategy string

// Merge strategies.
const (
	// MergePreserveChanges applies incoming values only to Unchanged resident entities.
	MergePreserveChanges MergeStrategy = "PreserveChanges"
	// MergeOverwriteChanges always applies incoming values and resets the state.
	MergeOverwriteChanges MergeStrategy = "OverwriteChanges"
	// MergeSkip discards incoming values for any resident entity.
	MergeSkip MergeStrategy = "SkipMerge"
	// MergeDisallowed fails when incoming data collides with a resident entity.
	MergeDisallowed MergeStrategy = "Disallowed"
)

func (m MergeStrategy) String() string { return string(m) }

// Valid reports whether m is a known strategy.
func (m MergeStrategy) Valid() bool {
	switch m {
	case MergePreserveChanges, MergeOverwriteChanges, MergeSkip, MergeDisallowed:
		return true
	}
	return false
}

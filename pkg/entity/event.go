package entity

import (
	"entitycore/pkg/domain"
	"entitycore/pkg/validation"
)

// Event is a synchronous, ordered notification channel. Handlers run in
// subscription order on the publishing goroutine; a handler may mutate the
// cache, and the nested notifications it causes are delivered depth-first
// before the outer publish continues.
type Event[T any] struct {
	handlers []subscription[T]
	nextID   int
	disabled bool
}

type subscription[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns an id for Unsubscribe.
func (e *Event[T]) Subscribe(fn func(T)) int {
	e.nextID++
	e.handlers = append(e.handlers, subscription[T]{id: e.nextID, fn: fn})
	return e.nextID
}

// Unsubscribe removes a handler. It reports whether the id was registered.
func (e *Event[T]) Unsubscribe(id int) bool {
	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// HasSubscribers reports whether any handler is registered.
func (e *Event[T]) HasSubscribers() bool { return len(e.handlers) > 0 }

// SetEnabled turns delivery on or off; disabled events drop notifications.
func (e *Event[T]) SetEnabled(enabled bool) { e.disabled = !enabled }

// Publish delivers args to the handlers registered at the time of the call.
func (e *Event[T]) Publish(args T) {
	if e == nil || e.disabled || len(e.handlers) == 0 {
		return
	}
	snapshot := append([]subscription[T](nil), e.handlers...)
	for _, h := range snapshot {
		h.fn(args)
	}
}

// PropertyChangedArgs describes a property mutation. PropertyName is a dotted
// path for complex values and empty when many properties changed at once.
type PropertyChangedArgs struct {
	Entity       *Entity
	PropertyName string
	// Parent is the entity or complex object that owns the property.
	Parent   any
	OldValue any
	NewValue any
}

// EntityChangedArgs is published on the manager's aggregate stream.
type EntityChangedArgs struct {
	Action domain.EntityAction
	Entity *Entity
	// Args carries PropertyChangedArgs for PropertyChange actions.
	Args any
}

// ValidationErrorsChangedArgs carries the errors that appeared and disappeared
// in one validation pass.
type ValidationErrorsChangedArgs struct {
	Entity  *Entity
	Added   []*validation.Error
	Removed []*validation.Error
}

// ArrayChangedArgs carries the membership diff of a collection navigation.
type ArrayChangedArgs struct {
	Collection *NavigationCollection
	Added      []*Entity
	Removed    []*Entity
}

// HasChangesChangedArgs is published when the manager gains its first or
// loses its last pending change.
type HasChangesChangedArgs struct {
	HasChanges bool
}

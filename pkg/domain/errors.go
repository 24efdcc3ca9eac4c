package domain

import (
	"errors"
	"strings"
)

// Error kinds. Hard failures are returned synchronously and leave the cache unmodified;
// validation failures are never returned as errors.
var (
	// ErrMissingKey is returned when an entity without a resolvable key is attached.
	ErrMissingKey = errors.New("missing key")
	// ErrMultipartKeyUnsupported is returned when a temporary key is requested for a composite key.
	ErrMultipartKeyUnsupported = errors.New("temporary keys cannot be generated for multipart keys")
	// ErrDuplicateKey is returned when an attach or key change collides with a resident key.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrTypeMismatch is returned when a value of the wrong shape is assigned to a property.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrNavigationReadOnly is returned when a collection navigation is assigned wholesale.
	ErrNavigationReadOnly = errors.New("collection navigation properties are read-only")
	// ErrBadPath is returned when a dotted property path does not resolve.
	ErrBadPath = errors.New("bad property path")
	// ErrUnknownType is returned for type names missing from the metadata store.
	ErrUnknownType = errors.New("unknown type")
	// ErrUnknownProperty is returned for property names missing from a type.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrForeignManager is returned when entities of two different caches are related.
	ErrForeignManager = errors.New("entity belongs to another manager")
	// ErrNotAttached is returned when an operation needs a resident entity.
	ErrNotAttached = errors.New("entity is not attached")
	// ErrMergeDisallowed is returned by the Disallowed merge strategy on collision.
	ErrMergeDisallowed = errors.New("merge disallowed")
	// ErrFrozen is returned when a frozen metadata store is mutated.
	ErrFrozen = errors.New("metadata store is frozen")
)

// Error carries the context of a hard failure. Unwrap yields the kind so callers can
// use errors.Is with the sentinels above.
type Error struct {
	Kind     error
	Type     string
	Property string
	Key      string
	Detail   string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("entity error")
	}
	if e.Type != "" {
		b.WriteString(": type ")
		b.WriteString(e.Type)
	}
	if e.Property != "" {
		b.WriteString(" property ")
		b.WriteString(e.Property)
	}
	if e.Key != "" {
		b.WriteString(" key ")
		b.WriteString(e.Key)
	}
	if e.Detail != "" {
		b.WriteString(" (")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

// NewError builds an *Error of the given kind.
func NewError(kind error, typeName, property, detail string) *Error {
	return &Error{Kind: kind, Type: typeName, Property: property, Detail: detail}
}

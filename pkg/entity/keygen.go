package entity

import (
	"fmt"
	"strconv"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"

	"github.com/google/uuid"
)

// KeyGenerator produces key values for new entities and remembers which of
// them are temporary.
type KeyGenerator interface {
	// Generate returns a fresh key value for the single key property of et and
	// whether that value is temporary.
	Generate(et *metadata.EntityType) (value any, temp bool, err error)
	// IsTemp reports whether key was produced as a temporary key and has not
	// been released.
	IsTemp(key EntityKey) bool
	// Release forgets a temporary key once the entity has a permanent one.
	Release(key EntityKey)
	// Reset forgets every temporary key and restarts the sequence.
	Reset()
}

// tempKeyGenerator issues negative integers, "K_<n>" strings and random Guids
// for Identity keys; ClientGuid keys are permanent.
type tempKeyGenerator struct {
	next  int64
	temps map[string]struct{}
}

// NewKeyGenerator returns the default generator.
func NewKeyGenerator() KeyGenerator {
	return &tempKeyGenerator{temps: make(map[string]struct{})}
}

func (g *tempKeyGenerator) Generate(et *metadata.EntityType) (any, bool, error) {
	props := et.KeyProperties()
	if len(props) != 1 {
		return nil, false, domain.NewError(domain.ErrMultipartKeyUnsupported, et.Name, "",
			"temporary keys require a single key property")
	}
	p := props[0]
	if et.AutoGeneratedKeyType == metadata.KeyClientGuid {
		return uuid.NewString(), false, nil
	}
	g.next++
	var v any
	switch {
	case p.DataType.IsInteger():
		v = -g.next
	case p.DataType.IsFloat():
		v = float64(-g.next)
	case p.DataType == metadata.String:
		v = "K_" + strconv.FormatInt(g.next, 10)
	case p.DataType == metadata.Guid:
		v = uuid.NewString()
	default:
		return nil, false, fmt.Errorf("cannot generate a temporary %s key for %s", p.DataType, et.Name)
	}
	g.temps[EntityKey{entityType: et, values: []any{v}}.hash()] = struct{}{}
	return v, true, nil
}

func (g *tempKeyGenerator) IsTemp(key EntityKey) bool {
	_, ok := g.temps[key.hash()]
	return ok
}

func (g *tempKeyGenerator) Release(key EntityKey) {
	delete(g.temps, key.hash())
}

func (g *tempKeyGenerator) Reset() {
	g.next = 0
	g.temps = make(map[string]struct{})
}

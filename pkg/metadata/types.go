package metadata

import (
	"strings"

	"entitycore/pkg/domain"
	"entitycore/pkg/validation"
)

// AutoGeneratedKeyType describes who assigns the key of new entities.
type AutoGeneratedKeyType string

// Key generation strategies.
const (
	// KeyNone requires callers to supply keys.
	KeyNone AutoGeneratedKeyType = "None"
	// KeyIdentity marks keys assigned by the remote store; new entities get temporary keys.
	KeyIdentity AutoGeneratedKeyType = "Identity"
	// KeyClientGuid marks Guid keys generated permanently on the client.
	KeyClientGuid AutoGeneratedKeyType = "ClientGuid"
)

// EntityType describes an entity: its properties, key, associations and validators.
type EntityType struct {
	Name                 string
	BaseTypeName         string
	AutoGeneratedKeyType AutoGeneratedKeyType
	DataProperties       []*DataProperty
	NavigationProperties []*NavigationProperty
	// Validators run on explicit entity validation, never on property sets.
	Validators          []*validation.Validator
	DefaultResourceName string

	store    *Store
	baseType *EntityType
	subtypes []*EntityType

	allData   []*DataProperty
	allNav    []*NavigationProperty
	dataIndex map[string]*DataProperty
	navIndex  map[string]*NavigationProperty
	keyProps  []*DataProperty
	fkProps   []*DataProperty
}

// BaseType returns the supertype, or nil.
func (t *EntityType) BaseType() *EntityType { return t.baseType }

// RootType returns the top of the inheritance chain; keys are unique per root type.
func (t *EntityType) RootType() *EntityType {
	root := t
	for root.baseType != nil {
		root = root.baseType
	}
	return root
}

// Subtypes returns the direct subtypes.
func (t *EntityType) Subtypes() []*EntityType { return t.subtypes }

// SelfAndSubtypes returns t followed by every transitive subtype.
func (t *EntityType) SelfAndSubtypes() []*EntityType {
	out := []*EntityType{t}
	for _, st := range t.subtypes {
		out = append(out, st.SelfAndSubtypes()...)
	}
	return out
}

// IsSubtypeOf reports whether t is other or derives from it.
func (t *EntityType) IsSubtypeOf(other *EntityType) bool {
	for cur := t; cur != nil; cur = cur.baseType {
		if cur == other {
			return true
		}
	}
	return false
}

// Store returns the owning metadata store.
func (t *EntityType) Store() *Store { return t.store }

// Properties returns every data property including inherited ones, base first.
func (t *EntityType) Properties() []*DataProperty { return t.allData }

// Navigations returns every navigation property including inherited ones.
func (t *EntityType) Navigations() []*NavigationProperty { return t.allNav }

// KeyProperties returns the key properties in declaration order.
func (t *EntityType) KeyProperties() []*DataProperty { return t.keyProps }

// ForeignKeyProperties returns data properties that participate in an association.
func (t *EntityType) ForeignKeyProperties() []*DataProperty { return t.fkProps }

// ComplexProperties returns the embedded complex properties.
func (t *EntityType) ComplexProperties() []*DataProperty {
	var out []*DataProperty
	for _, p := range t.allData {
		if p.IsComplex() {
			out = append(out, p)
		}
	}
	return out
}

// DataProperty looks up a data property by name.
func (t *EntityType) DataProperty(name string) *DataProperty { return t.dataIndex[name] }

// NavigationProperty looks up a navigation property by name.
func (t *EntityType) NavigationProperty(name string) *NavigationProperty { return t.navIndex[name] }

// Property looks up either kind of property by name.
func (t *EntityType) Property(name string) (Property, bool) {
	if p, ok := t.dataIndex[name]; ok {
		return p, true
	}
	if n, ok := t.navIndex[name]; ok {
		return n, true
	}
	return nil, false
}

// ResolvePath walks a dotted path through complex properties and navigations.
// Collection navigations may appear anywhere; callers that cannot traverse
// collections check the result themselves.
func (t *EntityType) ResolvePath(path string) ([]Property, error) {
	return resolvePath(t.Name, path, func(name string) (Property, bool) { return t.Property(name) })
}

// ComplexType describes an embedded keyless value.
type ComplexType struct {
	Name           string
	DataProperties []*DataProperty
	Validators     []*validation.Validator

	dataIndex map[string]*DataProperty
}

// Properties returns the declared data properties.
func (c *ComplexType) Properties() []*DataProperty { return c.DataProperties }

// DataProperty looks up a property by name.
func (c *ComplexType) DataProperty(name string) *DataProperty { return c.dataIndex[name] }

// ResolvePath walks a dotted path starting at this complex type.
func (c *ComplexType) ResolvePath(path string) ([]Property, error) {
	return resolvePath(c.Name, path, func(name string) (Property, bool) {
		p, ok := c.dataIndex[name]
		return p, ok
	})
}

func resolvePath(typeName, path string, first func(string) (Property, bool)) ([]Property, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.NewError(domain.ErrBadPath, typeName, path, "empty path")
	}
	parts := strings.Split(path, ".")
	out := make([]Property, 0, len(parts))
	lookup := first
	for i, part := range parts {
		if lookup == nil {
			return nil, domain.NewError(domain.ErrBadPath, typeName, path, "cannot traverse past "+parts[i-1])
		}
		prop, ok := lookup(part)
		if !ok {
			return nil, domain.NewError(domain.ErrBadPath, typeName, path, "unknown property "+part)
		}
		out = append(out, prop)
		switch p := prop.(type) {
		case *NavigationProperty:
			target := p.entityType
			lookup = func(name string) (Property, bool) { return target.Property(name) }
		case *DataProperty:
			if ct := p.complexType; ct != nil {
				lookup = func(name string) (Property, bool) {
					dp, ok := ct.dataIndex[name]
					return dp, ok
				}
			} else {
				lookup = nil
			}
		}
	}
	return out, nil
}

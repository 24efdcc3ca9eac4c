// Package metadata holds the type descriptors consumed by the entity cache:
// entity and complex types, their data and navigation properties, key
// generation strategy, inheritance and validators.
//
// A Store is built, frozen once, and then shared read-only by any number of
// caches. There is no process-wide registry.
package metadata

import (
	"fmt"
	"sort"

	"entitycore/pkg/domain"
	"entitycore/pkg/validation"
)

// Store owns a set of entity and complex type descriptors.
type Store struct {
	entityTypes  map[string]*EntityType
	complexTypes map[string]*ComplexType
	order        []string
	frozen       bool
}

// NewStore returns an empty, unfrozen store.
func NewStore() *Store {
	return &Store{
		entityTypes:  make(map[string]*EntityType),
		complexTypes: make(map[string]*ComplexType),
	}
}

// AddEntityType registers an entity type descriptor.
func (s *Store) AddEntityType(et *EntityType) error {
	if s.frozen {
		return domain.NewError(domain.ErrFrozen, et.Name, "", "")
	}
	if et.Name == "" {
		return fmt.Errorf("entity type name required")
	}
	if _, dup := s.entityTypes[et.Name]; dup {
		return fmt.Errorf("entity type %s already registered", et.Name)
	}
	if _, dup := s.complexTypes[et.Name]; dup {
		return fmt.Errorf("type %s already registered as complex type", et.Name)
	}
	et.store = s
	s.entityTypes[et.Name] = et
	s.order = append(s.order, et.Name)
	return nil
}

// AddComplexType registers a complex type descriptor.
func (s *Store) AddComplexType(ct *ComplexType) error {
	if s.frozen {
		return domain.NewError(domain.ErrFrozen, ct.Name, "", "")
	}
	if ct.Name == "" {
		return fmt.Errorf("complex type name required")
	}
	if _, dup := s.complexTypes[ct.Name]; dup {
		return fmt.Errorf("complex type %s already registered", ct.Name)
	}
	if _, dup := s.entityTypes[ct.Name]; dup {
		return fmt.Errorf("type %s already registered as entity type", ct.Name)
	}
	s.complexTypes[ct.Name] = ct
	return nil
}

// MustAddEntityType is AddEntityType for static fixtures; it panics on error.
func (s *Store) MustAddEntityType(et *EntityType) *Store {
	if err := s.AddEntityType(et); err != nil {
		panic(err)
	}
	return s
}

// MustAddComplexType is AddComplexType for static fixtures; it panics on error.
func (s *Store) MustAddComplexType(ct *ComplexType) *Store {
	if err := s.AddComplexType(ct); err != nil {
		panic(err)
	}
	return s
}

// IsFrozen reports whether Freeze has completed.
func (s *Store) IsFrozen() bool { return s.frozen }

// EntityType looks up an entity type.
func (s *Store) EntityType(name string) (*EntityType, error) {
	et, ok := s.entityTypes[name]
	if !ok {
		return nil, domain.NewError(domain.ErrUnknownType, name, "", "")
	}
	return et, nil
}

// ComplexType looks up a complex type.
func (s *Store) ComplexType(name string) (*ComplexType, error) {
	ct, ok := s.complexTypes[name]
	if !ok {
		return nil, domain.NewError(domain.ErrUnknownType, name, "", "complex type")
	}
	return ct, nil
}

// EntityTypes returns entity types in registration order.
func (s *Store) EntityTypes() []*EntityType {
	out := make([]*EntityType, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entityTypes[name])
	}
	return out
}

// ComplexTypes returns complex types sorted by name.
func (s *Store) ComplexTypes() []*ComplexType {
	out := make([]*ComplexType, 0, len(s.complexTypes))
	for _, ct := range s.complexTypes {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Freeze resolves cross-references (inheritance, complex types, foreign keys,
// inverses), derives validators and makes the store immutable. Freeze is
// idempotent once it has succeeded.
func (s *Store) Freeze() error {
	if s.frozen {
		return nil
	}
	for _, ct := range s.ComplexTypes() {
		if err := s.prepareComplexType(ct); err != nil {
			return err
		}
	}
	for _, et := range s.EntityTypes() {
		if et.BaseTypeName == "" {
			continue
		}
		base, ok := s.entityTypes[et.BaseTypeName]
		if !ok {
			return fmt.Errorf("entity type %s: unknown base type %s", et.Name, et.BaseTypeName)
		}
		et.baseType = base
		base.subtypes = append(base.subtypes, et)
	}
	for _, et := range s.EntityTypes() {
		seen := map[*EntityType]bool{}
		for cur := et; cur != nil; cur = cur.baseType {
			if seen[cur] {
				return fmt.Errorf("entity type %s: inheritance cycle", et.Name)
			}
			seen[cur] = true
		}
	}
	done := map[*EntityType]bool{}
	for _, et := range s.EntityTypes() {
		if err := s.flatten(et, done); err != nil {
			return err
		}
	}
	for _, et := range s.EntityTypes() {
		if err := s.resolveNavigations(et); err != nil {
			return err
		}
	}
	for _, et := range s.EntityTypes() {
		if err := resolveInverses(et); err != nil {
			return err
		}
	}
	for _, et := range s.EntityTypes() {
		et.fkProps = nil
		for _, p := range et.allData {
			if p.IsForeignKey() {
				et.fkProps = append(et.fkProps, p)
			}
		}
	}
	s.frozen = true
	return nil
}

func (s *Store) prepareComplexType(ct *ComplexType) error {
	ct.dataIndex = make(map[string]*DataProperty, len(ct.DataProperties))
	for _, p := range ct.DataProperties {
		if _, dup := ct.dataIndex[p.Name]; dup {
			return fmt.Errorf("complex type %s: duplicate property %s", ct.Name, p.Name)
		}
		if p.IsPartOfKey {
			return fmt.Errorf("complex type %s: property %s cannot be part of a key", ct.Name, p.Name)
		}
		p.parentName = ct.Name
		if err := s.prepareDataProperty(p); err != nil {
			return fmt.Errorf("complex type %s: %w", ct.Name, err)
		}
		ct.dataIndex[p.Name] = p
	}
	return nil
}

func (s *Store) prepareDataProperty(p *DataProperty) error {
	if p.Name == "" {
		return fmt.Errorf("property name required")
	}
	if p.DataType == "" {
		p.DataType = String
	}
	if p.ComplexTypeName != "" {
		ct, ok := s.complexTypes[p.ComplexTypeName]
		if !ok {
			return fmt.Errorf("property %s: unknown complex type %s", p.Name, p.ComplexTypeName)
		}
		p.complexType = ct
		p.DataType = Undefined
		p.validators = append([]*validation.Validator(nil), p.Validators...)
		return nil
	}
	var derived []*validation.Validator
	if v := p.DataType.Validator(); v != nil {
		derived = append(derived, v)
	}
	if !p.IsNullable && !p.IsPartOfKey {
		derived = append(derived, validation.Required(false))
	}
	if p.MaxLength > 0 && p.DataType == String {
		derived = append(derived, validation.MaxLength(p.MaxLength))
	}
	p.validators = append(derived, p.Validators...)
	return nil
}

func (s *Store) flatten(et *EntityType, done map[*EntityType]bool) error {
	if done[et] {
		return nil
	}
	var data []*DataProperty
	var navs []*NavigationProperty
	if et.baseType != nil {
		if err := s.flatten(et.baseType, done); err != nil {
			return err
		}
		data = append(data, et.baseType.allData...)
		navs = append(navs, et.baseType.allNav...)
		if et.AutoGeneratedKeyType == "" {
			et.AutoGeneratedKeyType = et.baseType.AutoGeneratedKeyType
		}
	}
	if et.AutoGeneratedKeyType == "" {
		et.AutoGeneratedKeyType = KeyNone
	}
	et.dataIndex = make(map[string]*DataProperty)
	et.navIndex = make(map[string]*NavigationProperty)
	for _, p := range data {
		et.dataIndex[p.Name] = p
	}
	for _, n := range navs {
		et.navIndex[n.Name] = n
	}
	for _, p := range et.DataProperties {
		if _, dup := et.dataIndex[p.Name]; dup {
			return fmt.Errorf("entity type %s: duplicate property %s", et.Name, p.Name)
		}
		p.parentName = et.Name
		if err := s.prepareDataProperty(p); err != nil {
			return fmt.Errorf("entity type %s: %w", et.Name, err)
		}
		if p.IsPartOfKey && p.IsComplex() {
			return fmt.Errorf("entity type %s: complex property %s cannot be part of a key", et.Name, p.Name)
		}
		et.dataIndex[p.Name] = p
		data = append(data, p)
	}
	for _, n := range et.NavigationProperties {
		if _, dup := et.dataIndex[n.Name]; dup {
			return fmt.Errorf("entity type %s: navigation %s collides with a data property", et.Name, n.Name)
		}
		if _, dup := et.navIndex[n.Name]; dup {
			return fmt.Errorf("entity type %s: duplicate navigation %s", et.Name, n.Name)
		}
		n.parentType = et
		et.navIndex[n.Name] = n
		navs = append(navs, n)
	}
	et.allData = data
	et.allNav = navs
	et.keyProps = nil
	for _, p := range data {
		if p.IsPartOfKey {
			et.keyProps = append(et.keyProps, p)
		}
	}
	if len(et.keyProps) == 0 {
		return fmt.Errorf("entity type %s: no key properties", et.Name)
	}
	if et.baseType != nil && len(et.keyProps) != len(et.baseType.keyProps) {
		return fmt.Errorf("entity type %s: subtypes cannot add key properties", et.Name)
	}
	if et.AutoGeneratedKeyType == KeyClientGuid && (len(et.keyProps) != 1 || et.keyProps[0].DataType != Guid) {
		return fmt.Errorf("entity type %s: ClientGuid keys require a single Guid key property", et.Name)
	}
	done[et] = true
	return nil
}

func (s *Store) resolveNavigations(et *EntityType) error {
	for _, n := range et.NavigationProperties {
		target, ok := s.entityTypes[n.EntityTypeName]
		if !ok {
			return fmt.Errorf("entity type %s: navigation %s targets unknown type %s", et.Name, n.Name, n.EntityTypeName)
		}
		n.entityType = target
		n.relatedDataProperties = nil
		n.invDataProperties = nil
		if len(n.ForeignKeyNames) > 0 {
			if !n.IsScalar {
				return fmt.Errorf("entity type %s: collection navigation %s cannot declare foreign keys", et.Name, n.Name)
			}
			if len(n.ForeignKeyNames) != len(target.keyProps) {
				return fmt.Errorf("entity type %s: navigation %s declares %d foreign keys for a %d-part key",
					et.Name, n.Name, len(n.ForeignKeyNames), len(target.keyProps))
			}
			for _, fk := range n.ForeignKeyNames {
				p := et.dataIndex[fk]
				if p == nil || p.IsComplex() {
					return fmt.Errorf("entity type %s: navigation %s: unknown foreign key %s", et.Name, n.Name, fk)
				}
				p.relatedNavigation = n
				n.relatedDataProperties = append(n.relatedDataProperties, p)
			}
		}
		if len(n.InvForeignKeyNames) > 0 {
			if len(n.InvForeignKeyNames) != len(et.keyProps) {
				return fmt.Errorf("entity type %s: navigation %s declares %d inverse foreign keys for a %d-part key",
					et.Name, n.Name, len(n.InvForeignKeyNames), len(et.keyProps))
			}
			for _, fk := range n.InvForeignKeyNames {
				p := target.dataIndex[fk]
				if p == nil || p.IsComplex() {
					return fmt.Errorf("entity type %s: navigation %s: unknown inverse foreign key %s.%s", et.Name, n.Name, target.Name, fk)
				}
				p.inverseNavigation = n
				n.invDataProperties = append(n.invDataProperties, p)
			}
		}
	}
	return nil
}

func resolveInverses(et *EntityType) error {
	for _, n := range et.NavigationProperties {
		if n.inverse != nil {
			continue
		}
		var inv *NavigationProperty
		switch {
		case n.InverseName != "":
			inv = n.entityType.navIndex[n.InverseName]
			if inv == nil {
				return fmt.Errorf("entity type %s: navigation %s: unknown inverse %s.%s", et.Name, n.Name, n.entityType.Name, n.InverseName)
			}
		case n.AssociationName != "":
			for _, cand := range n.entityType.allNav {
				if cand != n && cand.AssociationName == n.AssociationName {
					inv = cand
					break
				}
			}
		}
		if inv == nil {
			continue
		}
		if !et.IsSubtypeOf(inv.entityType) && !inv.entityType.IsSubtypeOf(et) {
			return fmt.Errorf("entity type %s: navigation %s: inverse %s targets %s", et.Name, n.Name, inv.Name, inv.entityType.Name)
		}
		if !n.IsScalar && !inv.IsScalar {
			return fmt.Errorf("entity type %s: navigation %s: many-to-many associations are not supported", et.Name, n.Name)
		}
		n.inverse = inv
		inv.inverse = n
	}
	return nil
}

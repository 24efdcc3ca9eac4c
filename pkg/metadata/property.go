package metadata

import (
	"entitycore/pkg/validation"
)

// Property is implemented by DataProperty and NavigationProperty.
type Property interface {
	PropertyName() string
	IsNavigation() bool
}

// DataProperty describes a scalar or complex (embedded) property.
type DataProperty struct {
	Name     string
	DataType DataType
	// IsNullable permits nil; non-nullable properties get a required validator.
	IsNullable bool
	// DefaultValue overrides the data type default for new entities.
	DefaultValue any
	IsPartOfKey  bool
	MaxLength    int
	// ComplexTypeName makes this property an embedded complex value.
	ComplexTypeName string
	DisplayName     string
	// IsUnmapped properties are tracked locally and never exported as server values.
	IsUnmapped bool
	Validators []*validation.Validator

	parentName        string
	complexType       *ComplexType
	relatedNavigation *NavigationProperty
	inverseNavigation *NavigationProperty
	validators        []*validation.Validator
}

// PropertyName implements Property.
func (p *DataProperty) PropertyName() string { return p.Name }

// IsNavigation implements Property.
func (p *DataProperty) IsNavigation() bool { return false }

// ParentTypeName names the entity or complex type that declares p.
func (p *DataProperty) ParentTypeName() string { return p.parentName }

// IsComplex reports whether p holds an embedded complex value.
func (p *DataProperty) IsComplex() bool { return p.ComplexTypeName != "" }

// ComplexType returns the resolved complex type, or nil for scalar properties.
func (p *DataProperty) ComplexType() *ComplexType { return p.complexType }

// RelatedNavigationProperty returns the scalar navigation on the same type that
// this foreign key backs, or nil.
func (p *DataProperty) RelatedNavigationProperty() *NavigationProperty { return p.relatedNavigation }

// InverseNavigationProperty returns the navigation on the principal type that
// this foreign key backs when the dependent side declares no navigation.
func (p *DataProperty) InverseNavigationProperty() *NavigationProperty { return p.inverseNavigation }

// IsForeignKey reports whether p participates in an association.
func (p *DataProperty) IsForeignKey() bool {
	return p.relatedNavigation != nil || p.inverseNavigation != nil
}

// Default returns the value a freshly created entity holds for p.
func (p *DataProperty) Default() any {
	if p.DefaultValue != nil {
		v, _ := p.DataType.Coerce(p.DefaultValue)
		return v
	}
	if p.IsNullable || p.IsComplex() {
		return nil
	}
	return p.DataType.DefaultValue()
}

// AllValidators returns the data-type, required and max-length validators
// derived at freeze time followed by the declared ones.
func (p *DataProperty) AllValidators() []*validation.Validator {
	if p.validators == nil {
		return p.Validators
	}
	return p.validators
}

// Label returns DisplayName or Name.
func (p *DataProperty) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// NavigationProperty describes a reference from one entity type to another.
type NavigationProperty struct {
	Name string
	// EntityTypeName names the target type.
	EntityTypeName string
	IsScalar       bool
	// AssociationName pairs the two ends of an association when InverseName is not given.
	AssociationName string
	InverseName     string
	// ForeignKeyNames are data properties on the declaring type (scalar side only).
	ForeignKeyNames []string
	// InvForeignKeyNames are data properties on the target type, for associations
	// whose dependent side declares no navigation.
	InvForeignKeyNames []string
	Validators         []*validation.Validator

	parentType            *EntityType
	entityType            *EntityType
	inverse               *NavigationProperty
	relatedDataProperties []*DataProperty
	invDataProperties     []*DataProperty
}

// PropertyName implements Property.
func (n *NavigationProperty) PropertyName() string { return n.Name }

// IsNavigation implements Property.
func (n *NavigationProperty) IsNavigation() bool { return true }

// ParentType returns the declaring entity type.
func (n *NavigationProperty) ParentType() *EntityType { return n.parentType }

// EntityType returns the target entity type.
func (n *NavigationProperty) EntityType() *EntityType { return n.entityType }

// Inverse returns the opposite end of the association, or nil when unidirectional.
func (n *NavigationProperty) Inverse() *NavigationProperty { return n.inverse }

// RelatedDataProperties returns the foreign keys declared by ForeignKeyNames.
func (n *NavigationProperty) RelatedDataProperties() []*DataProperty { return n.relatedDataProperties }

// InvDataProperties returns the target-side foreign keys declared by InvForeignKeyNames.
func (n *NavigationProperty) InvDataProperties() []*DataProperty { return n.invDataProperties }

// IsDependentEnd reports whether the declaring type holds the foreign key.
func (n *NavigationProperty) IsDependentEnd() bool { return len(n.relatedDataProperties) > 0 }

package metadata

import (
	"fmt"
	"io"

	"entitycore/pkg/validation"

	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	ComplexTypes []yamlComplexType `yaml:"complexTypes"`
	EntityTypes  []yamlEntityType  `yaml:"entityTypes"`
}

type yamlComplexType struct {
	Name       string           `yaml:"name"`
	Properties []yamlProperty   `yaml:"properties"`
	Validators []map[string]any `yaml:"validators"`
}

type yamlEntityType struct {
	Name                 string           `yaml:"name"`
	BaseType             string           `yaml:"baseType"`
	AutoGeneratedKeyType string           `yaml:"autoGeneratedKeyType"`
	ResourceName         string           `yaml:"resourceName"`
	Properties           []yamlProperty   `yaml:"properties"`
	Navigations          []yamlNavigation `yaml:"navigations"`
	Validators           []map[string]any `yaml:"validators"`
}

type yamlProperty struct {
	Name        string           `yaml:"name"`
	Type        string           `yaml:"type"`
	Nullable    bool             `yaml:"nullable"`
	Key         bool             `yaml:"key"`
	Default     any              `yaml:"default"`
	MaxLength   int              `yaml:"maxLength"`
	ComplexType string           `yaml:"complexType"`
	DisplayName string           `yaml:"displayName"`
	Unmapped    bool             `yaml:"unmapped"`
	Validators  []map[string]any `yaml:"validators"`
}

type yamlNavigation struct {
	Name               string           `yaml:"name"`
	Target             string           `yaml:"target"`
	Scalar             bool             `yaml:"scalar"`
	Association        string           `yaml:"association"`
	Inverse            string           `yaml:"inverse"`
	ForeignKeys        []string         `yaml:"foreignKeys"`
	InverseForeignKeys []string         `yaml:"inverseForeignKeys"`
	Validators         []map[string]any `yaml:"validators"`
}

// LoadYAML reads a descriptor document and returns a frozen Store. Validators
// are referenced by name and built through reg; a nil reg uses the built-ins.
//
//	entityTypes:
//	  - name: Order
//	    autoGeneratedKeyType: Identity
//	    properties:
//	      - {name: orderId, type: Int32, key: true}
//	      - {name: customerId, type: Int32, nullable: true}
//	      - name: shipName
//	        maxLength: 40
//	        validators: [{name: regularExpression, expression: "^[A-Z]"}]
//	    navigations:
//	      - {name: customer, target: Customer, scalar: true, inverse: orders, foreignKeys: [customerId]}
func LoadYAML(r io.Reader, reg *validation.Registry) (*Store, error) {
	if reg == nil {
		reg = validation.NewRegistry()
	}
	var doc yamlDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode descriptors: %w", err)
	}
	store := NewStore()
	for _, yc := range doc.ComplexTypes {
		ct := &ComplexType{Name: yc.Name}
		props, err := buildProperties(yc.Name, yc.Properties, reg)
		if err != nil {
			return nil, err
		}
		ct.DataProperties = props
		if ct.Validators, err = buildValidators(yc.Name, yc.Validators, reg); err != nil {
			return nil, err
		}
		if err := store.AddComplexType(ct); err != nil {
			return nil, err
		}
	}
	for _, ye := range doc.EntityTypes {
		et := &EntityType{
			Name:                ye.Name,
			BaseTypeName:        ye.BaseType,
			DefaultResourceName: ye.ResourceName,
		}
		switch ye.AutoGeneratedKeyType {
		case "":
		case string(KeyNone), string(KeyIdentity), string(KeyClientGuid):
			et.AutoGeneratedKeyType = AutoGeneratedKeyType(ye.AutoGeneratedKeyType)
		default:
			return nil, fmt.Errorf("entity type %s: unknown autoGeneratedKeyType %q", ye.Name, ye.AutoGeneratedKeyType)
		}
		props, err := buildProperties(ye.Name, ye.Properties, reg)
		if err != nil {
			return nil, err
		}
		et.DataProperties = props
		for _, yn := range ye.Navigations {
			np := &NavigationProperty{
				Name:               yn.Name,
				EntityTypeName:     yn.Target,
				IsScalar:           yn.Scalar,
				AssociationName:    yn.Association,
				InverseName:        yn.Inverse,
				ForeignKeyNames:    yn.ForeignKeys,
				InvForeignKeyNames: yn.InverseForeignKeys,
			}
			if np.Validators, err = buildValidators(ye.Name+"."+yn.Name, yn.Validators, reg); err != nil {
				return nil, err
			}
			et.NavigationProperties = append(et.NavigationProperties, np)
		}
		if et.Validators, err = buildValidators(ye.Name, ye.Validators, reg); err != nil {
			return nil, err
		}
		if err := store.AddEntityType(et); err != nil {
			return nil, err
		}
	}
	if err := store.Freeze(); err != nil {
		return nil, err
	}
	return store, nil
}

func buildProperties(owner string, in []yamlProperty, reg *validation.Registry) ([]*DataProperty, error) {
	out := make([]*DataProperty, 0, len(in))
	for _, yp := range in {
		dt, err := ParseDataType(yp.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", owner, yp.Name, err)
		}
		p := &DataProperty{
			Name:            yp.Name,
			DataType:        dt,
			IsNullable:      yp.Nullable,
			DefaultValue:    yp.Default,
			IsPartOfKey:     yp.Key,
			MaxLength:       yp.MaxLength,
			ComplexTypeName: yp.ComplexType,
			DisplayName:     yp.DisplayName,
			IsUnmapped:      yp.Unmapped,
		}
		if p.Validators, err = buildValidators(owner+"."+yp.Name, yp.Validators, reg); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func buildValidators(owner string, in []map[string]any, reg *validation.Registry) ([]*validation.Validator, error) {
	var out []*validation.Validator
	for _, spec := range in {
		name, _ := spec["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("%s: validator entry without name", owner)
		}
		v, err := reg.Build(name, spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", owner, err)
		}
		out = append(out, v)
	}
	return out, nil
}

package validation

import (
	"fmt"
	"sort"
)

// Factory builds a validator from descriptor parameters.
type Factory func(params map[string]any) (*Validator, error)

// Registry maps validator names to factories so descriptor documents can refer
// to validators by name. A Registry is not safe for concurrent registration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in validators.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	simple := map[string]func() *Validator{
		"string":       String,
		"guid":         Guid,
		"duration":     Duration,
		"number":       Number,
		"integer":      Integer,
		"int16":        Int16,
		"int32":        Int32,
		"int64":        Int64,
		"byte":         Byte,
		"bool":         Bool,
		"date":         Date,
		"binary":       Binary,
		"emailAddress": EmailAddress,
		"url":          URL,
		"phone":        Phone,
		"creditCard":   CreditCard,
		"none":         None,
	}
	for name, ctor := range simple {
		ctor := ctor
		r.factories[name] = func(map[string]any) (*Validator, error) { return ctor(), nil }
	}
	r.factories["required"] = func(p map[string]any) (*Validator, error) {
		allow, _ := p["allowEmptyStrings"].(bool)
		return Required(allow), nil
	}
	r.factories["maxLength"] = func(p map[string]any) (*Validator, error) {
		n, err := intParam(p, "maxLength")
		if err != nil {
			return nil, err
		}
		return MaxLength(n), nil
	}
	r.factories["stringLength"] = func(p map[string]any) (*Validator, error) {
		minLength, err := intParam(p, "minLength")
		if err != nil {
			return nil, err
		}
		maxLength, err := intParam(p, "maxLength")
		if err != nil {
			return nil, err
		}
		return StringLength(minLength, maxLength), nil
	}
	r.factories["range"] = func(p map[string]any) (*Validator, error) {
		minValue, err := floatParam(p, "minValue")
		if err != nil {
			return nil, err
		}
		maxValue, err := floatParam(p, "maxValue")
		if err != nil {
			return nil, err
		}
		return Range(minValue, maxValue), nil
	}
	r.factories["regularExpression"] = func(p map[string]any) (v *Validator, err error) {
		expr, ok := p["expression"].(string)
		if !ok || expr == "" {
			return nil, fmt.Errorf("regularExpression: expression parameter required")
		}
		defer func() {
			if rec := recover(); rec != nil {
				v, err = nil, fmt.Errorf("regularExpression: %v", rec)
			}
		}()
		return RegularExpression(expr), nil
	}
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build creates the named validator. An optional "message" parameter overrides the template.
func (r *Registry) Build(name string, params map[string]any) (*Validator, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown validator %q", name)
	}
	v, err := f(params)
	if err != nil {
		return nil, err
	}
	if msg, ok := params["message"].(string); ok && msg != "" {
		v = v.WithMessage(msg)
	}
	return v, nil
}

// Names lists registered validator names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func intParam(p map[string]any, key string) (int, error) {
	f, err := floatParam(p, key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func floatParam(p map[string]any, key string) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("parameter %s required", key)
	}
	if f, ok := asFloat(raw); ok {
		return f, nil
	}
	return 0, fmt.Errorf("parameter %s must be numeric, got %T", key, raw)
}

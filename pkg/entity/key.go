package entity

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

// EntityKey identifies an entity within a manager: a type plus the ordered
// key property values. Keys of subtypes compare equal to keys of their root
// type, so identity is unique across an inheritance hierarchy.
type EntityKey struct {
	entityType *metadata.EntityType
	values     []any
}

// NewEntityKey builds a key, coercing values to the key property types.
func NewEntityKey(et *metadata.EntityType, values ...any) (EntityKey, error) {
	props := et.KeyProperties()
	if len(values) != len(props) {
		return EntityKey{}, domain.NewError(domain.ErrTypeMismatch, et.Name, "",
			fmt.Sprintf("key has %d parts, got %d values", len(props), len(values)))
	}
	out := make([]any, len(values))
	for i, p := range props {
		v, ok := p.DataType.Coerce(values[i])
		if !ok {
			return EntityKey{}, domain.NewError(domain.ErrTypeMismatch, et.Name, p.Name,
				fmt.Sprintf("cannot use %v as %s", values[i], p.DataType))
		}
		out[i] = v
	}
	return EntityKey{entityType: et, values: out}, nil
}

// EntityType returns the type the key was built for.
func (k EntityKey) EntityType() *metadata.EntityType { return k.entityType }

// Values returns a copy of the key values.
func (k EntityKey) Values() []any { return append([]any(nil), k.values...) }

// IsZero reports whether k was never initialised.
func (k EntityKey) IsZero() bool { return k.entityType == nil }

// IsEmpty reports whether any key value is unset (nil or the type default).
func (k EntityKey) IsEmpty() bool {
	if k.entityType == nil {
		return true
	}
	for i, p := range k.entityType.KeyProperties() {
		if isUnsetValue(p, k.values[i]) {
			return true
		}
	}
	return false
}

// Equal compares keys by root type and values.
func (k EntityKey) Equal(other EntityKey) bool {
	return k.hash() == other.hash()
}

func (k EntityKey) String() string {
	if k.entityType == nil {
		return "<nil>"
	}
	parts := make([]string, len(k.values))
	for i, v := range k.values {
		parts[i] = formatKeyValue(v)
	}
	return k.entityType.Name + ":" + strings.Join(parts, ",")
}

func (k EntityKey) hash() string {
	if k.entityType == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(k.entityType.RootType().Name)
	for _, v := range k.values {
		b.WriteByte(0x1f)
		b.WriteString(formatKeyValue(v))
	}
	return b.String()
}

func formatKeyValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	}
	return fmt.Sprint(v)
}

// isUnsetValue treats nil and the data type default as "no key assigned".
func isUnsetValue(p *metadata.DataProperty, v any) bool {
	if v == nil {
		return true
	}
	return sameValue(v, p.DataType.DefaultValue())
}

// sameValue compares normalised property values.
func sameValue(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && string(x) == string(y)
	}
	switch b.(type) {
	case []byte, time.Time:
		return false
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

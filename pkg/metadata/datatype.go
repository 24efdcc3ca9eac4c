package metadata

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"entitycore/pkg/validation"

	"github.com/google/uuid"
)

// DataType is the declared type of a scalar property.
type DataType string

// Supported data types.
const (
	String         DataType = "String"
	Int16          DataType = "Int16"
	Int32          DataType = "Int32"
	Int64          DataType = "Int64"
	Byte           DataType = "Byte"
	Decimal        DataType = "Decimal"
	Double         DataType = "Double"
	Single         DataType = "Single"
	Boolean        DataType = "Boolean"
	DateTime       DataType = "DateTime"
	DateTimeOffset DataType = "DateTimeOffset"
	Time           DataType = "Time"
	Guid           DataType = "Guid"
	Binary         DataType = "Binary"
	Undefined      DataType = "Undefined"
)

var dataTypes = []DataType{String, Int16, Int32, Int64, Byte, Decimal, Double, Single, Boolean,
	DateTime, DateTimeOffset, Time, Guid, Binary, Undefined}

// EmptyGuid is the default value of non-nullable Guid properties.
const EmptyGuid = "00000000-0000-0000-0000-000000000000"

// ParseDataType resolves a data type name, case-insensitively.
func ParseDataType(name string) (DataType, error) {
	if name == "" {
		return String, nil
	}
	for _, dt := range dataTypes {
		if strings.EqualFold(string(dt), name) {
			return dt, nil
		}
	}
	return Undefined, fmt.Errorf("unknown data type %q", name)
}

// IsInteger reports whether values are normalised to int64.
func (dt DataType) IsInteger() bool {
	switch dt {
	case Int16, Int32, Int64, Byte:
		return true
	}
	return false
}

// IsFloat reports whether values are normalised to float64.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Decimal, Double, Single:
		return true
	}
	return false
}

// IsNumeric reports whether dt is an integer or floating type.
func (dt DataType) IsNumeric() bool { return dt.IsInteger() || dt.IsFloat() }

// IsDate reports whether values are normalised to time.Time.
func (dt DataType) IsDate() bool { return dt == DateTime || dt == DateTimeOffset }

// DefaultValue returns the zero value used for non-nullable properties of this type.
func (dt DataType) DefaultValue() any {
	switch {
	case dt.IsInteger():
		return int64(0)
	case dt.IsFloat():
		return float64(0)
	case dt.IsDate():
		return time.Time{}
	}
	switch dt {
	case String:
		return ""
	case Boolean:
		return false
	case Time:
		return time.Duration(0)
	case Guid:
		return EmptyGuid
	}
	return nil
}

// Validator returns the type-check validator for dt, or nil for types without one.
func (dt DataType) Validator() *validation.Validator {
	switch dt {
	case String:
		return validation.String()
	case Int16:
		return validation.Int16()
	case Int32:
		return validation.Int32()
	case Int64:
		return validation.Int64()
	case Byte:
		return validation.Byte()
	case Decimal, Double, Single:
		return validation.Number()
	case Boolean:
		return validation.Bool()
	case DateTime, DateTimeOffset:
		return validation.Date()
	case Time:
		return validation.Duration()
	case Guid:
		return validation.Guid()
	case Binary:
		return validation.Binary()
	}
	return nil
}

// Coerce normalises v to the canonical Go representation of dt. When v cannot be
// converted it is returned unchanged with ok == false; callers store it anyway and
// leave the data-type validator to flag it. Blank strings coerce to nil for
// non-string types.
func (dt DataType) Coerce(v any) (out any, ok bool) {
	if v == nil {
		return nil, true
	}
	if s, isStr := v.(string); isStr && dt != String && dt != Undefined && strings.TrimSpace(s) == "" {
		return nil, true
	}
	switch {
	case dt.IsInteger():
		return coerceInt(v)
	case dt.IsFloat():
		return coerceFloat(v)
	case dt.IsDate():
		return coerceDate(v)
	}
	switch dt {
	case String:
		return coerceString(v)
	case Boolean:
		return coerceBool(v)
	case Time:
		return coerceDuration(v)
	case Guid:
		return coerceGuid(v)
	case Binary:
		return coerceBinary(v)
	}
	return v, true
}

func coerceInt(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return v, false
		}
		return int64(x), true
	case float32:
		return coerceInt(float64(x))
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
			return int64(x), true
		}
		return x, false
	case json.Number:
		return coerceInt(string(x))
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return coerceInt(f)
		}
	}
	return v, false
}

func coerceFloat(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
		return v, false
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
		return v, false
	}
	if n, ok := coerceInt(v); ok {
		if i, isInt := n.(int64); isInt {
			return float64(i), true
		}
	}
	return v, false
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func coerceDate(v any) (any, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return nil, true
		}
		return *x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return v, false
}

func coerceString(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case time.Time:
		return x.Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return x.String(), true
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(x), true
	}
	return v, false
}

func coerceBool(v any) (any, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return v, false
}

var isoDuration = regexp.MustCompile(`^(-)?P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses the day/time subset of ISO-8601 durations (PnDTnHnMnS).
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total float64
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		f, err := strconv.ParseFloat(m[i+2], 64)
		if err != nil {
			return 0, err
		}
		total += f * float64(unit)
	}
	d := time.Duration(total)
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// FormatISODuration renders d in the PnDTnHnMnS form.
func FormatISODuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteString("PT")
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	fmt.Fprintf(&b, "%sS", strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
	return b.String()
}

func coerceDuration(v any) (any, bool) {
	switch x := v.(type) {
	case time.Duration:
		return x, true
	case string:
		if d, err := ParseISODuration(x); err == nil {
			return d, true
		}
		if d, err := time.ParseDuration(strings.TrimSpace(x)); err == nil {
			return d, true
		}
	}
	return v, false
}

func coerceGuid(v any) (any, bool) {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String(), true
	case string:
		if id, err := uuid.Parse(strings.TrimSpace(x)); err == nil {
			return id.String(), true
		}
	}
	return v, false
}

func coerceBinary(v any) (any, bool) {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...), true
	case string:
		if b, err := base64.StdEncoding.DecodeString(x); err == nil {
			return b, true
		}
	}
	return v, false
}

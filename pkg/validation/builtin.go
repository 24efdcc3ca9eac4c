package validation

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// formatValidate backs the format validators (email, url, phone, credit card).
var formatValidate = playground.New()

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Required fails for nil values and, unless allowEmptyStrings is set, for blank strings.
func Required(allowEmptyStrings bool) *Validator {
	return New("required", func(value any, _ Context) bool {
		if isNil(value) {
			return false
		}
		if s, ok := value.(string); ok && !allowEmptyStrings {
			return strings.TrimSpace(s) != ""
		}
		return true
	}, "'%displayName%' is required", map[string]any{"allowEmptyStrings": allowEmptyStrings})
}

// MaxLength fails for strings longer than n characters.
func MaxLength(n int) *Validator {
	return New("maxLength", func(value any, _ Context) bool {
		s, ok := value.(string)
		if !ok {
			return true
		}
		return utf8.RuneCountInString(s) <= n
	}, "'%displayName%' must be a string with %maxLength% characters or less", map[string]any{"maxLength": n})
}

// StringLength fails for strings outside [minLength, maxLength].
func StringLength(minLength, maxLength int) *Validator {
	return New("stringLength", func(value any, _ Context) bool {
		s, ok := value.(string)
		if !ok {
			return true
		}
		n := utf8.RuneCountInString(s)
		return n >= minLength && n <= maxLength
	}, "'%displayName%' must be a string with between %minLength% and %maxLength% characters",
		map[string]any{"minLength": minLength, "maxLength": maxLength})
}

// String fails for non-string values.
func String() *Validator {
	return New("string", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		_, ok := value.(string)
		return ok
	}, "'%displayName%' must be a string", nil)
}

// Guid fails for values that are not canonical GUID strings.
func Guid() *Validator {
	return New("guid", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		s, ok := value.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	}, "'%displayName%' must be a GUID", nil)
}

// Duration fails for values that are not time.Duration.
func Duration() *Validator {
	return New("duration", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		_, ok := value.(time.Duration)
		return ok
	}, "'%displayName%' must be a ISO8601 duration string, such as 'P3H24M60S'", nil)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// Number fails for non-numeric values.
func Number() *Validator {
	return New("number", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		f, ok := asFloat(value)
		return ok && !math.IsNaN(f)
	}, "'%displayName%' must be a number", nil)
}

func integerIn(name string, minValue, maxValue float64, message string) *Validator {
	return New(name, func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			return false
		}
		return f >= minValue && f <= maxValue
	}, message, nil)
}

// Integer fails for values that are not whole numbers.
func Integer() *Validator {
	return integerIn("integer", math.MinInt64, math.MaxInt64, "'%displayName%' must be an integer")
}

// Int16 fails for integers outside the 16-bit range.
func Int16() *Validator {
	return integerIn("int16", math.MinInt16, math.MaxInt16, "'%displayName%' must be an integer between the values of -32768 and 32767")
}

// Int32 fails for integers outside the 32-bit range.
func Int32() *Validator {
	return integerIn("int32", math.MinInt32, math.MaxInt32, "'%displayName%' must be an integer between the values of -2147483648 and 2147483647")
}

// Int64 fails for values that are not 64-bit integers.
func Int64() *Validator {
	return integerIn("int64", math.MinInt64, math.MaxInt64, "'%displayName%' must be an integer")
}

// Byte fails for integers outside 0..255.
func Byte() *Validator {
	return integerIn("byte", 0, 255, "'%displayName%' must be an integer between the values of 0 and 255")
}

// Range fails for numbers outside [minValue, maxValue].
func Range(minValue, maxValue float64) *Validator {
	return New("range", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		f, ok := asFloat(value)
		if !ok {
			return false
		}
		return f >= minValue && f <= maxValue
	}, "'%displayName%' must be between %minValue% and %maxValue%", map[string]any{"minValue": minValue, "maxValue": maxValue})
}

// Bool fails for non-boolean values.
func Bool() *Validator {
	return New("bool", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		_, ok := value.(bool)
		return ok
	}, "'%displayName%' must be a 'true' or 'false' value", nil)
}

// Date fails for values that are not time.Time.
func Date() *Validator {
	return New("date", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		_, ok := value.(time.Time)
		return ok
	}, "'%displayName%' must be a date", nil)
}

// Binary fails for values that are not byte slices.
func Binary() *Validator {
	return New("binary", func(value any, _ Context) bool {
		if isNil(value) {
			return true
		}
		_, ok := value.([]byte)
		return ok
	}, "'%displayName%' must be binary data", nil)
}

// RegularExpression fails for strings not matching pattern. An invalid pattern panics,
// mirroring regexp.MustCompile, because validators are built at metadata load time.
func RegularExpression(pattern string) *Validator {
	re := regexp.MustCompile(pattern)
	return New("regularExpression", func(value any, _ Context) bool {
		s, ok := value.(string)
		if !ok {
			return isNil(value)
		}
		return re.MatchString(s)
	}, "'%displayName%' does not match the pattern '%expression%'", map[string]any{"expression": pattern})
}

func formatValidator(name, tag, message string) *Validator {
	return New(name, func(value any, _ Context) bool {
		s, ok := value.(string)
		if !ok {
			return isNil(value)
		}
		if s == "" {
			return true
		}
		return formatValidate.Var(s, tag) == nil
	}, message, nil)
}

// EmailAddress fails for strings that are not email addresses.
func EmailAddress() *Validator {
	return formatValidator("emailAddress", "email", "'%displayName%' must be a valid email address")
}

// URL fails for strings that are not absolute URLs.
func URL() *Validator {
	return formatValidator("url", "url", "'%displayName%' must be a valid URL")
}

// Phone fails for strings that are not E.164 phone numbers.
func Phone() *Validator {
	return formatValidator("phone", "e164", "'%displayName%' must be a valid phone number")
}

// CreditCard fails for strings that are not Luhn-valid card numbers.
func CreditCard() *Validator {
	return formatValidator("creditCard", "credit_card", "The %displayName% is not a valid credit card number")
}

// None always passes.
func None() *Validator {
	return New("none", func(any, Context) bool { return true }, "", nil)
}

// Describe formats a validator list for diagnostics.
func Describe(vals []*Validator) string {
	names := make([]string, 0, len(vals))
	for _, v := range vals {
		names = append(names, v.Name())
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ","))
}

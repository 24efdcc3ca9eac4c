package validation

import (
	"strings"
	"testing"
	"time"
)

func TestBuiltinValidators(t *testing.T) {
	cases := []struct {
		name  string
		v     *Validator
		value any
		ok    bool
	}{
		{"required nil", Required(false), nil, false},
		{"required blank", Required(false), "  ", false},
		{"required blank allowed", Required(true), "", true},
		{"required value", Required(false), "x", true},
		{"maxLength ok", MaxLength(3), "abc", true},
		{"maxLength long", MaxLength(3), "abcd", false},
		{"maxLength multibyte", MaxLength(2), "éé", true},
		{"stringLength short", StringLength(2, 4), "a", false},
		{"number string", Number(), "abc", false},
		{"number int64", Number(), int64(4), true},
		{"integer fraction", Integer(), 1.5, false},
		{"int16 overflow", Int16(), int64(40000), false},
		{"byte ok", Byte(), int64(200), true},
		{"bool", Bool(), "yes", false},
		{"date", Date(), time.Now(), true},
		{"date string", Date(), "2020-01-01", false},
		{"guid ok", Guid(), "3f2504e0-4f89-11d3-9a0c-0305e82c3301", true},
		{"guid bad", Guid(), "nope", false},
		{"regex", RegularExpression(`^[A-Z]{3}$`), "ABC", true},
		{"regex miss", RegularExpression(`^[A-Z]{3}$`), "abc", false},
		{"email", EmailAddress(), "a@example.com", true},
		{"email bad", EmailAddress(), "a-at-example", false},
		{"url", URL(), "https://example.com/x", true},
		{"url bad", URL(), "not a url", false},
		{"phone", Phone(), "+14155552671", true},
		{"credit card", CreditCard(), "4111111111111111", true},
		{"credit card bad", CreditCard(), "4111111111111112", false},
		{"range", Range(1, 10), int64(11), false},
		{"none", None(), "anything", true},
		{"nil passes type checks", Int32(), nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.v.Validate(tc.value, Context{PropertyName: "Prop", PropertyPath: "Prop"})
			if (err == nil) != tc.ok {
				t.Fatalf("Validate(%v) error=%v, want ok=%v", tc.value, err, tc.ok)
			}
		})
	}
}

func TestMessageTemplate(t *testing.T) {
	err := MaxLength(5).Validate("too long value", Context{PropertyName: "companyName", PropertyPath: "companyName", DisplayName: "Company Name"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if err.Message != "'Company Name' must be a string with 5 characters or less" {
		t.Fatalf("unexpected message %q", err.Message)
	}
	if err.Key != "maxLength:companyName" {
		t.Fatalf("unexpected key %q", err.Key)
	}
	custom := New("even", func(v any, _ Context) bool { n, _ := v.(int64); return n%2 == 0 }, "%displayName% must be even, got %value%", nil)
	if e := custom.Validate(int64(3), Context{PropertyName: "count"}); e == nil || e.Message != "count must be even, got 3" {
		t.Fatalf("unexpected custom error %+v", e)
	}
}

func TestDiff(t *testing.T) {
	a := &Error{Key: "required:x", Message: "x required"}
	b := &Error{Key: "maxLength:x", Message: "x too long"}
	added, removed := Diff(nil, []*Error{a})
	if len(added) != 1 || len(removed) != 0 {
		t.Fatalf("unexpected diff %v %v", added, removed)
	}
	added, removed = Diff([]*Error{a}, []*Error{b})
	if len(added) != 1 || added[0] != b || len(removed) != 1 || removed[0] != a {
		t.Fatalf("unexpected swap diff %v %v", added, removed)
	}
	added, removed = Diff([]*Error{a}, []*Error{{Key: "required:x", Message: "x required"}})
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("identical errors should not diff: %v %v", added, removed)
	}
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	v, err := r.Build("maxLength", map[string]any{"maxLength": 4, "message": "%displayName% max %maxLength%"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if e := v.Validate("12345", Context{PropertyName: "code"}); e == nil || e.Message != "code max 4" {
		t.Fatalf("unexpected error %+v", e)
	}
	if _, err := r.Build("maxLength", nil); err == nil {
		t.Fatalf("expected missing parameter error")
	}
	if _, err := r.Build("bogus", nil); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown validator error, got %v", err)
	}
	if _, err := r.Build("regularExpression", map[string]any{"expression": "("}); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
	r.Register("positive", func(map[string]any) (*Validator, error) {
		return New("positive", func(v any, _ Context) bool { f, ok := asFloat(v); return ok && f > 0 }, "", nil), nil
	})
	if v, err := r.Build("positive", nil); err != nil || v.Validate(int64(-1), Context{}) == nil {
		t.Fatalf("custom factory not applied: %v", err)
	}
	if len(r.Names()) < 20 {
		t.Fatalf("expected builtin validators, got %v", r.Names())
	}
}

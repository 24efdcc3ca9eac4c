package entity

import (
	"errors"
	"strings"
	"testing"
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/validation"
)

func TestOriginalValuesRecordedOnce(t *testing.T) {
	m := newTestManager(t)
	order := attachOrder(t, m, 1, nil)
	mustSet(t, order, "shipName", "first")
	mustSet(t, order, "shipName", "second")
	expectState(t, order, domain.StateModified)
	if orig, ok := order.Aspect().OriginalValue("shipName"); !ok || orig != nil {
		t.Fatalf("expected the first original kept, got %v", orig)
	}
	order.Aspect().RejectChanges()
	expectState(t, order, domain.StateUnchanged)
	if order.Get("shipName") != nil {
		t.Fatalf("expected reject to restore nil, got %v", order.Get("shipName"))
	}
}

func TestAddedEntitiesRecordNoOriginals(t *testing.T) {
	m := newTestManager(t)
	order := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(order); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	mustSet(t, order, "shipName", "x")
	expectState(t, order, domain.StateAdded)
	if len(order.Aspect().OriginalValues()) != 0 {
		t.Fatalf("added entities have no originals")
	}
}

func TestSetSameValueIsSilent(t *testing.T) {
	m := newTestManager(t)
	order := mustAttach(t, m, "Order", map[string]any{"orderID": 1, "shipName": "same"})
	var calls int
	order.Aspect().PropertyChanged().Subscribe(func(PropertyChangedArgs) { calls++ })
	mustSet(t, order, "shipName", "same")
	if calls != 0 {
		t.Fatalf("expected no notification")
	}
	expectState(t, order, domain.StateUnchanged)
}

func TestSetErrors(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := attachOrder(t, m, 1, nil)
	if err := order.Set("nope", 1); !errors.Is(err, domain.ErrUnknownProperty) {
		t.Fatalf("expected ErrUnknownProperty, got %v", err)
	}
	if err := order.Set("customer", "ALFKI"); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if err := order.Set("employee", cust); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for the wrong entity type, got %v", err)
	}
	if err := cust.Set("location", nil); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for a nil complex value, got %v", err)
	}
	if err := cust.Set("location", map[string]any{"planet": "Mars"}); !errors.Is(err, domain.ErrUnknownProperty) {
		t.Fatalf("expected ErrUnknownProperty, got %v", err)
	}
	expectState(t, cust, domain.StateUnchanged)
}

func TestComplexPropertyTracking(t *testing.T) {
	m := newTestManager(t)
	cust := mustAttach(t, m, "Customer", map[string]any{
		"customerID":  alfki,
		"companyName": "Alfreds",
		"location":    map[string]any{"city": "Berlin", "country": "Germany"},
	})
	loc := cust.Complex("location")
	if loc.Aspect().Entity() != cust || loc.Aspect().PropertyPath() != "location" {
		t.Fatalf("unexpected complex ownership")
	}
	var names []string
	var parents []any
	cust.Aspect().PropertyChanged().Subscribe(func(args PropertyChangedArgs) {
		names = append(names, args.PropertyName)
		parents = append(parents, args.Parent)
	})

	if err := loc.Set("city", "Hamburg"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	expectState(t, cust, domain.StateModified)
	if len(names) != 1 || names[0] != "location.city" || parents[0] != loc {
		t.Fatalf("expected one dotted notification, got %v", names)
	}
	if got := cust.Aspect().OriginalValues()["location.city"]; got != "Berlin" {
		t.Fatalf("expected dotted original, got %v", got)
	}
	if got, _ := cust.GetPath("location.city"); got != "Hamburg" {
		t.Fatalf("GetPath: %v", got)
	}

	if err := cust.Set("location", map[string]any{"city": "Paris", "country": "France"}); err != nil {
		t.Fatalf("assign map: %v", err)
	}
	if cust.Complex("location") != loc {
		t.Fatalf("assignment must copy into the existing complex value")
	}
	other := NewComplexObject(loc.Type())
	if err := other.Set("city", "Lyon"); err != nil {
		t.Fatalf("Set on unowned value: %v", err)
	}
	if err := cust.Set("location", other); err != nil {
		t.Fatalf("assign object: %v", err)
	}
	if loc.Get("city") != "Lyon" || loc.Get("country") != nil {
		t.Fatalf("expected a full copy, got %v", loc.Values())
	}
	if other.Aspect().Entity() != nil {
		t.Fatalf("the source value stays unowned")
	}

	cust.Aspect().RejectChanges()
	if loc.Get("city") != "Berlin" || loc.Get("country") != "Germany" {
		t.Fatalf("expected complex originals restored, got %v", loc.Values())
	}
	if len(cust.Aspect().OriginalValues()) != 0 {
		t.Fatalf("expected originals cleared")
	}
}

func TestCloneIsUnowned(t *testing.T) {
	m := newTestManager(t)
	cust := mustAttach(t, m, "Customer", map[string]any{
		"customerID": alfki, "companyName": "Alfreds", "location": map[string]any{"city": "Berlin"},
	})
	cp := cust.Complex("location").Clone()
	if err := cp.Set("city", "Rome"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if cust.Complex("location").Get("city") != "Berlin" {
		t.Fatalf("clone must not alias the original")
	}
	expectState(t, cust, domain.StateUnchanged)
}

func TestPropertyValidationOnSet(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	var events []ValidationErrorsChangedArgs
	cust.Aspect().ValidationErrorsChanged().Subscribe(func(args ValidationErrorsChangedArgs) {
		events = append(events, args)
	})
	var managerEvents int
	m.ValidationErrorsChanged().Subscribe(func(ValidationErrorsChangedArgs) { managerEvents++ })

	mustSet(t, cust, "companyName", "")
	errs := cust.Aspect().ValidationErrors("companyName")
	if len(errs) != 1 || errs[0].Key != "required:companyName" {
		t.Fatalf("expected a required error, got %v", errs)
	}
	if errs[0].Message != "'Company Name' is required" {
		t.Fatalf("unexpected message %q", errs[0].Message)
	}
	if cust.Get("companyName") != "" {
		t.Fatalf("invalid values are still assigned")
	}
	mustSet(t, cust, "companyName", strings.Repeat("x", 41))
	errs = cust.Aspect().ValidationErrors("companyName")
	if len(errs) != 1 || errs[0].ValidatorName != "maxLength" {
		t.Fatalf("expected the required error replaced by maxLength, got %v", errs)
	}
	mustSet(t, cust, "companyName", "Fixed")
	if cust.Aspect().HasValidationErrors() {
		t.Fatalf("expected errors cleared")
	}
	if len(events) != 3 || managerEvents != 3 {
		t.Fatalf("expected one event per changing set, got %d/%d", len(events), managerEvents)
	}
	if len(events[1].Added) != 1 || len(events[1].Removed) != 1 {
		t.Fatalf("expected a swap in one event, got %+v", events[1])
	}

	mustSet(t, cust, "email", "not-an-email")
	if len(cust.Aspect().ValidationErrors("email")) != 1 {
		t.Fatalf("expected an email format error")
	}
	mustSet(t, cust, "email", nil)
	if cust.Aspect().HasValidationErrors() {
		t.Fatalf("nil passes format validators")
	}
}

func TestComplexValidationUsesDottedPath(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	loc := cust.Complex("location")
	if err := loc.Set("city", strings.Repeat("y", 16)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	errs := cust.Aspect().ValidationErrors("location")
	if len(errs) != 1 || errs[0].PropertyPath != "location.city" {
		t.Fatalf("expected a dotted error, got %v", errs)
	}
	if len(loc.Aspect().ValidationErrors()) != 1 {
		t.Fatalf("expected the error visible from the complex value")
	}
	ok, err := cust.Aspect().ValidateProperty("location")
	if err != nil || ok {
		t.Fatalf("expected the complex property to fail, got %v %v", ok, err)
	}
	if _, err := cust.Aspect().ValidateProperty("location.nope"); !errors.Is(err, domain.ErrBadPath) {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}
	if _, err := cust.Aspect().ValidateProperty("companyName.length"); !errors.Is(err, domain.ErrBadPath) {
		t.Fatalf("expected ErrBadPath through a scalar, got %v", err)
	}
}

func TestValidateEntityKeepsServerErrors(t *testing.T) {
	m := newTestManager(t, WithValidationOptions(ValidationOptions{}))
	product := mustAttach(t, m, "Product", map[string]any{"productID": 1, "productName": "Chai", "unitsInStock": 5000})
	if product.Aspect().HasValidationErrors() {
		t.Fatalf("automatic validation is off")
	}
	server := &validation.Error{ValidatorName: "server", PropertyPath: "productName", Message: "name taken", IsServerError: true}
	product.Aspect().AddValidationError(server)
	if server.Key != "server:productName" {
		t.Fatalf("expected a derived key, got %q", server.Key)
	}

	store := product.Type().Store()
	et, _ := store.EntityType("Product")
	et.Validators = append(et.Validators, validation.New("stockedIfActive", func(v any, _ validation.Context) bool {
		e := v.(*Entity)
		return e.Get("discontinued") == true || e.Get("unitsInStock") != nil
	}, "active products need stock", nil))

	if product.Aspect().ValidateEntity() {
		t.Fatalf("expected the range validator to fail")
	}
	errs := product.Aspect().ValidationErrors()
	if len(errs) != 2 || errs[0].ValidatorName != "range" || errs[1] != server {
		t.Fatalf("expected range and server errors, got %v", errs)
	}
	mustSet(t, product, "unitsInStock", nil)
	if product.Aspect().ValidateEntity() {
		t.Fatalf("expected the entity validator to fail")
	}
	if len(product.Aspect().ValidationErrors("")) != 1 {
		t.Fatalf("expected one entity-level error, got %v", product.Aspect().ValidationErrors())
	}
	if !product.Aspect().RemoveValidationError("server:productName") || product.Aspect().RemoveValidationError("server:productName") {
		t.Fatalf("unexpected RemoveValidationError results")
	}
	product.Aspect().ClearValidationErrors()
	if product.Aspect().HasValidationErrors() {
		t.Fatalf("expected no errors")
	}
}

func TestValidateOnAttach(t *testing.T) {
	m := newTestManager(t)
	region := mustAttach(t, m, "Region", map[string]any{"regionID": 1})
	if len(region.Aspect().ValidationErrors("regionDescription")) != 1 {
		t.Fatalf("expected attach validation")
	}
	m.DetachEntity(region)
	if region.Aspect().HasValidationErrors() {
		t.Fatalf("detach clears errors")
	}
}

func TestDetachedEntityValidatesWithDefaults(t *testing.T) {
	m := newTestManager(t)
	cust := mustCreate(t, m, "Customer", nil)
	mustSet(t, cust, "email", "bad")
	if len(cust.Aspect().ValidationErrors("email")) != 1 {
		t.Fatalf("detached entities validate on set")
	}
}

func TestLoadingSuppressesTracking(t *testing.T) {
	m := newTestManager(t)
	order := attachOrder(t, m, 1, nil)
	m.loading++
	mustSet(t, order, "shipName", "loaded")
	m.loading--
	expectState(t, order, domain.StateUnchanged)
	if len(order.Aspect().OriginalValues()) != 0 {
		t.Fatalf("loading must not record originals")
	}
}

func TestEntityKeys(t *testing.T) {
	store := loadStore(t)
	order, _ := store.EntityType("Order")
	intl, _ := store.EntityType("InternationalOrder")
	detail, _ := store.EntityType("OrderDetail")

	a, err := NewEntityKey(order, 5)
	if err != nil {
		t.Fatalf("NewEntityKey: %v", err)
	}
	b, _ := NewEntityKey(intl, float64(5))
	if !a.Equal(b) {
		t.Fatalf("keys in one hierarchy compare by root type")
	}
	if a.String() != "Order:5" {
		t.Fatalf("unexpected key string %q", a.String())
	}
	if _, err := NewEntityKey(detail, 1); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for a short key, got %v", err)
	}
	if _, err := NewEntityKey(order, "abc"); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for a bad value, got %v", err)
	}
	zero, _ := NewEntityKey(order, 0)
	if !zero.IsEmpty() || a.IsEmpty() {
		t.Fatalf("a default key value is unset")
	}
	var unset EntityKey
	if !unset.IsZero() || unset.String() != "<nil>" {
		t.Fatalf("unexpected zero key")
	}
}

func TestSameValueHandlesUncomparableValues(t *testing.T) {
	type wrapped struct{ v any }
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"ints", int64(1), int64(1), true},
		{"mixed int types", int64(1), int32(1), false},
		{"nil and value", nil, int64(0), false},
		{"value and nil", int64(0), nil, false},
		{"equal slices", []int{1, 2}, []int{1, 2}, true},
		{"different slices", []int{1, 2}, []int{2, 1}, false},
		{"maps", map[string]any{"city": "Berlin"}, map[string]any{"city": "Berlin"}, true},
		{"struct holding a slice", wrapped{[]string{"a"}}, wrapped{[]string{"a"}}, true},
		{"struct holding different slices", wrapped{[]string{"a"}}, wrapped{[]string{"b"}}, false},
		{"bytes", []byte("ab"), []byte("ab"), true},
		{"times", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 1, 0, 0, 0, time.FixedZone("CET", 3600)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sameValue(tc.a, tc.b); got != tc.want {
				t.Fatalf("sameValue(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

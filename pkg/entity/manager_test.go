package entity

import (
	"errors"
	"sync"
	"testing"
	"time"

	"entitycore/pkg/domain"
	"entitycore/pkg/query"
)

type recordingMetrics struct {
	mu  sync.Mutex
	ops map[string][]bool
}

func (r *recordingMetrics) Observe(op string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string][]bool)
	}
	r.ops[op] = append(r.ops[op], success)
}

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Debug(string, ...any)      {}
func (l *recordingLogger) Info(string, ...any)       {}
func (l *recordingLogger) Warn(msg string, _ ...any) { l.warnings = append(l.warnings, msg) }
func (l *recordingLogger) Error(string, ...any)      {}

func TestCreateEntityAppliesDefaultsAndExtras(t *testing.T) {
	m := newTestManager(t)
	e := mustCreate(t, m, "Product", map[string]any{"productName": "Chai", "legacyCode": "X1"})
	expectState(t, e, domain.StateDetached)
	if e.Get("discontinued") != false {
		t.Fatalf("expected boolean default, got %v", e.Get("discontinued"))
	}
	if e.Get("unitsInStock") != nil {
		t.Fatalf("expected nil default for nullable property")
	}
	if e.Extras()["legacyCode"] != "X1" {
		t.Fatalf("expected unknown field kept as an extra")
	}
	if _, err := m.CreateEntity("Nope", nil); !errors.Is(err, domain.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestCreateEntityRunsInitializersFromBaseType(t *testing.T) {
	m := newTestManager(t)
	var calls []string
	if err := m.RegisterInitializer("Order", func(e *Entity) {
		calls = append(calls, "Order")
		_ = e.Set("shipName", "default")
	}); err != nil {
		t.Fatalf("RegisterInitializer: %v", err)
	}
	if err := m.RegisterInitializer("InternationalOrder", func(e *Entity) {
		calls = append(calls, "InternationalOrder")
	}); err != nil {
		t.Fatalf("RegisterInitializer: %v", err)
	}
	if err := m.RegisterInitializer("Nope", func(*Entity) {}); !errors.Is(err, domain.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}

	e := mustCreate(t, m, "InternationalOrder", map[string]any{"exciseTax": 2})
	if len(calls) != 2 || calls[0] != "Order" || calls[1] != "InternationalOrder" {
		t.Fatalf("unexpected initializer order %v", calls)
	}
	if e.Get("shipName") != "default" {
		t.Fatalf("expected initializer value, got %v", e.Get("shipName"))
	}
	if e.Get("exciseTax") != float64(2) {
		t.Fatalf("expected coerced decimal, got %v", e.Get("exciseTax"))
	}
}

func TestAttachRejectsInvalidState(t *testing.T) {
	m := newTestManager(t)
	e := mustCreate(t, m, "Region", map[string]any{"regionID": 1, "regionDescription": "North"})
	if err := m.AttachEntity(e, domain.StateDetached); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if err := m.AttachEntity(e, domain.StateModified); err != nil {
		t.Fatalf("AttachEntity: %v", err)
	}
	expectState(t, e, domain.StateModified)
	if err := m.AttachEntity(e); err != nil {
		t.Fatalf("attaching a resident entity must be a no-op, got %v", err)
	}
}

func TestGetEntitiesFiltersByTypeAndState(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	o1 := attachOrder(t, m, 1, alfki)
	intl := mustAttach(t, m, "InternationalOrder", map[string]any{"orderID": 2, "exciseTax": 1})
	added := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(added); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}

	all, err := m.GetEntities(EntityFilter{})
	if err != nil || len(all) != 4 || all[0] != cust || all[3] != added {
		t.Fatalf("expected attach order, got %v (%v)", all, err)
	}
	orders, _ := m.GetEntities(EntityFilter{Types: []string{"Order"}})
	if len(orders) != 3 || orders[0] != o1 || orders[1] != intl {
		t.Fatalf("expected subtypes included, got %v", orders)
	}
	intlOnly, _ := m.GetEntities(EntityFilter{Types: []string{"InternationalOrder"}})
	if len(intlOnly) != 1 || intlOnly[0] != intl {
		t.Fatalf("expected only the subtype, got %v", intlOnly)
	}
	addedOnly, _ := m.GetEntities(EntityFilter{Types: []string{"Order"}, States: []domain.EntityState{domain.StateAdded}})
	if len(addedOnly) != 1 || addedOnly[0] != added {
		t.Fatalf("expected the added order, got %v", addedOnly)
	}
	if _, err := m.GetEntities(EntityFilter{Types: []string{"Nope"}}); !errors.Is(err, domain.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestHasChangesTracksTransitions(t *testing.T) {
	m := newTestManager(t)
	var flips []bool
	m.HasChangesChanged().Subscribe(func(args HasChangesChangedArgs) { flips = append(flips, args.HasChanges) })

	o1 := attachOrder(t, m, 1, nil)
	o2 := attachOrder(t, m, 2, nil)
	if m.HasChanges() {
		t.Fatalf("unchanged entities are not changes")
	}
	mustSet(t, o1, "shipName", "A")
	mustSet(t, o2, "shipName", "B")
	if !m.HasChanges() || !m.HasChanges("Order") || m.HasChanges("Customer") || m.HasChanges("Nope") {
		t.Fatalf("unexpected HasChanges results")
	}
	changes, _ := m.GetChanges("Order")
	if len(changes) != 2 {
		t.Fatalf("expected two changes, got %d", len(changes))
	}
	o1.Aspect().AcceptChanges()
	if !m.HasChanges() {
		t.Fatalf("one change remains")
	}
	o2.Aspect().RejectChanges()
	if m.HasChanges() {
		t.Fatalf("expected no changes")
	}
	if len(flips) != 2 || !flips[0] || flips[1] {
		t.Fatalf("expected exactly one true then one false, got %v", flips)
	}
}

func TestAcceptAndRejectAll(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := attachOrder(t, m, 1, alfki)
	added := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(added); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	mustSet(t, cust, "companyName", "Renamed")
	if err := order.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}

	rejected := m.RejectChanges()
	if len(rejected) != 3 {
		t.Fatalf("expected three rejected entities, got %d", len(rejected))
	}
	if cust.Get("companyName") != "Alfreds" {
		t.Fatalf("expected restored name, got %v", cust.Get("companyName"))
	}
	expectState(t, added, domain.StateDetached)
	expectState(t, order, domain.StateUnchanged)
	if order.Nav("customer") != cust {
		t.Fatalf("rejected delete must relink the order")
	}

	mustSet(t, cust, "companyName", "Renamed")
	if err := order.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	accepted := m.AcceptChanges()
	if len(accepted) != 2 {
		t.Fatalf("expected two accepted entities, got %d", len(accepted))
	}
	expectState(t, cust, domain.StateUnchanged)
	expectState(t, order, domain.StateDetached)
	if len(cust.Aspect().OriginalValues()) != 0 {
		t.Fatalf("accept must clear originals")
	}
	checkConsistency(t, m)
}

func TestAcceptAndRejectAreIdempotent(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	mustSet(t, cust, "companyName", "Renamed")
	cust.Aspect().AcceptChanges()

	actions := recordActions(m)
	var props int
	cust.Aspect().PropertyChanged().Subscribe(func(PropertyChangedArgs) { props++ })

	cust.Aspect().AcceptChanges()
	cust.Aspect().AcceptChanges()
	cust.Aspect().RejectChanges()
	if got := m.AcceptChanges(); len(got) != 0 {
		t.Fatalf("expected nothing to accept, got %d", len(got))
	}
	if got := m.RejectChanges(); len(got) != 0 {
		t.Fatalf("expected nothing to reject, got %d", len(got))
	}

	expectState(t, cust, domain.StateUnchanged)
	if cust.Get("companyName") != "Renamed" {
		t.Fatalf("expected the accepted value kept, got %v", cust.Get("companyName"))
	}
	if len(cust.Aspect().OriginalValues()) != 0 {
		t.Fatalf("expected no originals, got %v", cust.Aspect().OriginalValues())
	}
	if len(*actions) != 0 || props != 0 {
		t.Fatalf("repeated accept/reject must be silent, got %v and %d property events", *actions, props)
	}
}

func TestDeletingAddedEntityDetaches(t *testing.T) {
	m := newTestManager(t)
	e := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(e); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	key := e.Key()
	if err := e.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	expectState(t, e, domain.StateDetached)
	if m.FindEntityByKey(key) != nil {
		t.Fatalf("expected the added entity gone")
	}
	if err := e.Aspect().SetDeleted(); !errors.Is(err, domain.ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestClearDetachesEverything(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(order); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	actions := recordActions(m)
	m.Clear()

	if len(*actions) != 1 || (*actions)[0] != domain.ActionClear {
		t.Fatalf("expected a single Clear action, got %v", *actions)
	}
	expectState(t, cust, domain.StateDetached)
	expectState(t, order, domain.StateDetached)
	if m.HasChanges() {
		t.Fatalf("cleared manager has no changes")
	}
	all, _ := m.GetEntities(EntityFilter{})
	if len(all) != 0 {
		t.Fatalf("expected empty cache")
	}
	next := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(next); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if next.Get("orderID") != int64(-1) {
		t.Fatalf("expected the temp key sequence to restart, got %v", next.Get("orderID"))
	}
}

func TestGenerateTempKeyValue(t *testing.T) {
	m := newTestManager(t)
	order := mustCreate(t, m, "Order", nil)
	v, err := m.GenerateTempKeyValue(order)
	if err != nil {
		t.Fatalf("GenerateTempKeyValue: %v", err)
	}
	if v != int64(-1) || order.Get("orderID") != v || !order.Aspect().HasTempKey() {
		t.Fatalf("expected temp key -1, got %v", v)
	}
	detail := mustCreate(t, m, "OrderDetail", nil)
	if _, err := m.GenerateTempKeyValue(detail); !errors.Is(err, domain.ErrMultipartKeyUnsupported) {
		t.Fatalf("expected ErrMultipartKeyUnsupported, got %v", err)
	}
}

func TestAcceptSaveResultReplacesTempKeys(t *testing.T) {
	m := newTestManager(t)
	order := mustCreate(t, m, "Order", nil)
	if err := m.AddEntity(order); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	detail := mustCreate(t, m, "OrderDetail", map[string]any{"productID": 3, "quantity": 1})
	if err := order.Collection("orderDetails").Push(detail); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if detail.Get("orderID") != int64(-1) {
		t.Fatalf("expected detail keyed by the temp key, got %v", detail.Get("orderID"))
	}
	doomed := attachOrder(t, m, 90, nil)
	if err := doomed.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}

	actions := recordActions(m)
	err := m.AcceptSaveResult([]SavedEntity{
		{Entity: order, Values: map[string]any{"orderID": 1001, "shipName": "Saved"}},
		{Entity: detail, Values: map[string]any{"orderID": 1001, "productID": 3}},
		{Entity: doomed},
	})
	if err != nil {
		t.Fatalf("AcceptSaveResult: %v", err)
	}
	if order.Get("orderID") != int64(1001) || order.Aspect().HasTempKey() {
		t.Fatalf("expected permanent key, got %v", order.Get("orderID"))
	}
	if detail.Get("orderID") != int64(1001) || detail.Nav("order") != order {
		t.Fatalf("expected dependent to follow the new key")
	}
	if order.Get("shipName") != "Saved" {
		t.Fatalf("expected server value applied")
	}
	expectState(t, order, domain.StateUnchanged)
	expectState(t, detail, domain.StateUnchanged)
	expectState(t, doomed, domain.StateDetached)
	if countActions(*actions, domain.ActionMergeOnSave) != 2 {
		t.Fatalf("expected two MergeOnSave actions, got %v", *actions)
	}
	if m.HasChanges() {
		t.Fatalf("expected no changes after save")
	}
	checkConsistency(t, m)

	if err := m.AcceptSaveResult([]SavedEntity{{Entity: mustCreate(t, m, "Order", nil)}}); !errors.Is(err, domain.ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestExecuteQueryLocally(t *testing.T) {
	metrics := &recordingMetrics{}
	m := newTestManager(t, WithMetrics(metrics))
	attachCustomer(t, m, alfki, "Alfreds Futterkiste")
	attachCustomer(t, m, bonap, "Bon app")
	o1 := attachOrder(t, m, 1, alfki)
	o2 := attachOrder(t, m, 2, bonap)
	o3 := mustAttach(t, m, "InternationalOrder", map[string]any{"orderID": 3, "customerID": alfki, "freight": 40, "exciseTax": 1})
	mustSet(t, o1, "freight", 10)
	mustSet(t, o2, "freight", 20)
	deleted := attachOrder(t, m, 4, alfki)
	if err := deleted.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}

	q := query.From("Order").
		Where(query.Where("customer.companyName", query.StartsWith, "alfreds")).
		OrderByDesc("freight")
	got, err := m.ExecuteQueryLocally(q)
	if err != nil {
		t.Fatalf("ExecuteQueryLocally: %v", err)
	}
	if len(got) != 2 || got[0] != o3 || got[1] != o1 {
		t.Fatalf("unexpected result %v", got)
	}

	all, err := m.ExecuteQueryLocally(query.From("Order").OrderBy("orderID"))
	if err != nil || len(all) != 3 {
		t.Fatalf("expected deleted entities excluded, got %v (%v)", all, err)
	}

	_, err = m.ExecuteQueryLocally(query.From("Order").Where(query.Where("nope", query.Eq, 1)))
	if err == nil {
		t.Fatalf("expected an invalid path to fail")
	}
	if len(metrics.ops["query_local"]) != 3 || metrics.ops["query_local"][2] {
		t.Fatalf("expected three observations with a final failure, got %v", metrics.ops["query_local"])
	}
	if len(metrics.ops["attach"]) == 0 {
		t.Fatalf("expected attach observations")
	}
}

func TestManagerQueryOptionsAndClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := newTestManager(t,
		WithQueryOptions(query.Options{CaseSensitive: true, UseSQL92: true}),
		WithClock(func() time.Time { return fixed }))
	attachCustomer(t, m, alfki, "Alfreds Futterkiste")
	q := query.From("Customer").Where(query.Where("companyName", query.StartsWith, "alfreds"))
	got, err := m.ExecuteQueryLocally(q)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected the manager options to compare case-sensitively, got %v (%v)", got, err)
	}
	got, _ = m.ExecuteQueryLocally(q.WithOptions(query.DefaultOptions))
	if len(got) != 1 {
		t.Fatalf("expected per-query options to win, got %v", got)
	}
	bundle, err := m.Export(ExportOptions{})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !bundle.ExportedAt.Equal(fixed) {
		t.Fatalf("expected the injected clock, got %v", bundle.ExportedAt)
	}
}

func TestValidateForSave(t *testing.T) {
	m := newTestManager(t, WithValidationOptions(ValidationOptions{OnSave: true}))
	good := mustCreate(t, m, "Region", map[string]any{"regionID": 1, "regionDescription": "North"})
	bad := mustCreate(t, m, "Region", map[string]any{"regionID": 2})
	for _, e := range []*Entity{good, bad} {
		if err := m.AddEntity(e); err != nil {
			t.Fatalf("AddEntity: %v", err)
		}
	}
	if bad.Aspect().HasValidationErrors() {
		t.Fatalf("attach validation is off")
	}
	invalid := m.ValidateForSave()
	if len(invalid) != 1 || invalid[0] != bad {
		t.Fatalf("expected only the bad region, got %v", invalid)
	}
}

func TestDuplicateKeyOnAttachLogsWarning(t *testing.T) {
	logger := &recordingLogger{}
	metrics := &recordingMetrics{}
	m := newTestManager(t, WithLogger(logger), WithMetrics(metrics))
	attachOrder(t, m, 1, nil)
	dup := mustCreate(t, m, "Order", map[string]any{"orderID": 1})
	if err := m.AttachEntity(dup); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	expectState(t, dup, domain.StateDetached)
	if len(logger.warnings) == 0 {
		t.Fatalf("expected a warning for the failed attach")
	}
	results := metrics.ops["attach"]
	if len(results) != 2 || !results[0] || results[1] {
		t.Fatalf("unexpected attach observations %v", results)
	}
}

func TestEntityChangedStream(t *testing.T) {
	m := newTestManager(t)
	actions := recordActions(m)
	order := attachOrder(t, m, 1, nil)
	mustSet(t, order, "shipName", "x")
	mustSet(t, order, "shipName", "y")
	m.DetachEntity(order)

	want := []domain.EntityAction{
		domain.ActionAttach,
		domain.ActionEntityStateChange,
		domain.ActionPropertyChange,
		domain.ActionPropertyChange,
		domain.ActionDetach,
	}
	if len(*actions) != len(want) {
		t.Fatalf("expected %v, got %v", want, *actions)
	}
	for i := range want {
		if (*actions)[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, *actions)
		}
	}
}

func TestNestedNotificationsAreDepthFirst(t *testing.T) {
	m := newTestManager(t)
	order := attachOrder(t, m, 1, nil)
	var seen []string
	order.Aspect().PropertyChanged().Subscribe(func(args PropertyChangedArgs) {
		if args.PropertyName == "shipName" {
			mustSet(t, order, "freight", 5)
		}
	})
	order.Aspect().PropertyChanged().Subscribe(func(args PropertyChangedArgs) {
		seen = append(seen, args.PropertyName)
	})
	mustSet(t, order, "shipName", "x")
	if len(seen) != 2 || seen[0] != "freight" || seen[1] != "shipName" {
		t.Fatalf("expected the nested change delivered first, got %v", seen)
	}
}

func TestEventUnsubscribe(t *testing.T) {
	var ev Event[int]
	var got []int
	id := ev.Subscribe(func(v int) { got = append(got, v) })
	ev.Publish(1)
	ev.SetEnabled(false)
	ev.Publish(2)
	ev.SetEnabled(true)
	if !ev.Unsubscribe(id) || ev.Unsubscribe(id) {
		t.Fatalf("unexpected Unsubscribe results")
	}
	ev.Publish(3)
	if len(got) != 1 || got[0] != 1 || ev.HasSubscribers() {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestNoopCollaborators(t *testing.T) {
	var l Logger = noopLogger{}
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	var r MetricsRecorder = noopMetrics{}
	r.Observe("attach", true, time.Millisecond)
}

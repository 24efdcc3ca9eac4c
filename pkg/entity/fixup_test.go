package entity

import (
	"errors"
	"testing"

	"entitycore/pkg/domain"
)

func TestScalarNavigationSetUpdatesCollectionAndForeignKey(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := attachOrder(t, m, 1, nil)

	var names []string
	order.Aspect().PropertyChanged().Subscribe(func(args PropertyChangedArgs) {
		names = append(names, args.PropertyName)
	})
	var arrayEvents int
	cust.Collection("orders").ArrayChanged().Subscribe(func(args ArrayChangedArgs) {
		arrayEvents++
		if len(args.Added) != 1 || args.Added[0] != order {
			t.Fatalf("unexpected array diff %+v", args)
		}
	})

	mustSet(t, order, "customer", cust)

	if order.Get("customerID") != alfki {
		t.Fatalf("expected foreign key %s, got %v", alfki, order.Get("customerID"))
	}
	if !cust.Collection("orders").Contains(order) {
		t.Fatalf("expected order in customer.orders")
	}
	if len(names) != 1 || names[0] != "customer" {
		t.Fatalf("expected one notification on the navigation, got %v", names)
	}
	if arrayEvents != 1 {
		t.Fatalf("expected one arrayChanged, got %d", arrayEvents)
	}
	expectState(t, order, domain.StateModified)
	if orig, ok := order.Aspect().OriginalValue("customerID"); !ok || orig != nil {
		t.Fatalf("expected nil original customerID, got %v (%v)", orig, ok)
	}
	checkConsistency(t, m)
}

func TestForeignKeySetResolvesNavigation(t *testing.T) {
	m := newTestManager(t)
	first := attachCustomer(t, m, alfki, "Alfreds")
	second := attachCustomer(t, m, bonap, "Bon app")
	order := attachOrder(t, m, 1, alfki)
	if order.Nav("customer") != first {
		t.Fatalf("expected attach to resolve customer")
	}

	var names []string
	order.Aspect().PropertyChanged().Subscribe(func(args PropertyChangedArgs) {
		names = append(names, args.PropertyName)
	})
	mustSet(t, order, "customerID", bonap)

	if order.Nav("customer") != second {
		t.Fatalf("expected navigation to follow the foreign key")
	}
	if first.Collection("orders").Contains(order) || !second.Collection("orders").Contains(order) {
		t.Fatalf("expected order to move between collections")
	}
	if len(names) != 1 || names[0] != "customerID" {
		t.Fatalf("expected one notification on the foreign key, got %v", names)
	}
	checkConsistency(t, m)
}

func TestSettingNavigationToNilClearsForeignKey(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := attachOrder(t, m, 1, alfki)

	mustSet(t, order, "customer", nil)
	if order.Get("customerID") != nil {
		t.Fatalf("expected cleared foreign key, got %v", order.Get("customerID"))
	}
	if cust.Collection("orders").Len() != 0 {
		t.Fatalf("expected empty collection")
	}
}

func TestDeferredFixupLeavesStateUnchanged(t *testing.T) {
	m := newTestManager(t)
	order := attachOrder(t, m, 1, alfki)
	if order.Nav("customer") != nil {
		t.Fatalf("expected unresolved navigation")
	}
	cust := attachCustomer(t, m, alfki, "Alfreds")
	if order.Nav("customer") != cust {
		t.Fatalf("expected navigation resolved once the parent attached")
	}
	if !cust.Collection("orders").Contains(order) {
		t.Fatalf("expected order in collection")
	}
	expectState(t, order, domain.StateUnchanged)
	if m.HasChanges() {
		t.Fatalf("deferred fixup must not create changes")
	}
}

func TestDeferredFixupFromForeignKeySet(t *testing.T) {
	m := newTestManager(t)
	order := attachOrder(t, m, 1, nil)
	mustSet(t, order, "customerID", bonap)
	order.Aspect().AcceptChanges()

	cust := attachCustomer(t, m, bonap, "Bon app")
	if order.Nav("customer") != cust {
		t.Fatalf("expected pending reference resolved")
	}
	expectState(t, order, domain.StateUnchanged)
}

func TestCollectionPushAndRemove(t *testing.T) {
	m := newTestManager(t)
	first := attachCustomer(t, m, alfki, "Alfreds")
	second := attachCustomer(t, m, bonap, "Bon app")
	order := attachOrder(t, m, 1, alfki)

	if err := second.Collection("orders").Push(order); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if first.Collection("orders").Contains(order) {
		t.Fatalf("push must remove the child from its previous parent")
	}
	if order.Nav("customer") != second || order.Get("customerID") != bonap {
		t.Fatalf("push must point the child at the new parent")
	}
	if err := second.Collection("orders").Push(order); err != nil {
		t.Fatalf("repeated Push: %v", err)
	}
	if second.Collection("orders").Len() != 1 {
		t.Fatalf("duplicates must be ignored")
	}
	checkConsistency(t, m)

	if !second.Collection("orders").Remove(order) {
		t.Fatalf("expected Remove to report membership")
	}
	if order.Nav("customer") != nil || order.Get("customerID") != nil {
		t.Fatalf("remove must clear the child's side")
	}
	if second.Collection("orders").Remove(order) {
		t.Fatalf("second Remove must report false")
	}
}

func TestSpliceAndClear(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	o1 := attachOrder(t, m, 1, alfki)
	o2 := attachOrder(t, m, 2, alfki)
	o3 := attachOrder(t, m, 3, nil)

	var events int
	cust.Collection("orders").ArrayChanged().Subscribe(func(ArrayChangedArgs) { events++ })
	removed, err := cust.Collection("orders").Splice(0, 1, o3)
	if err != nil {
		t.Fatalf("Splice: %v", err)
	}
	if len(removed) != 1 || removed[0] != o1 {
		t.Fatalf("unexpected removed %v", removed)
	}
	if cust.Collection("orders").At(0) != o3 || cust.Collection("orders").At(1) != o2 {
		t.Fatalf("unexpected order %v", cust.Collection("orders").Items())
	}
	if events != 1 {
		t.Fatalf("expected one arrayChanged per splice, got %d", events)
	}
	cust.Collection("orders").Clear()
	if cust.Collection("orders").Len() != 0 || o2.Nav("customer") != nil || o3.Get("customerID") != nil {
		t.Fatalf("clear must sever every member")
	}
	if events != 2 {
		t.Fatalf("expected one arrayChanged for clear, got %d", events)
	}
}

func TestCollectionIsReadOnly(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	err := cust.Set("orders", nil)
	if !errors.Is(err, domain.ErrNavigationReadOnly) {
		t.Fatalf("expected ErrNavigationReadOnly, got %v", err)
	}
	if err := cust.Collection("orders").Push(cust); !errors.Is(err, domain.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch for a wrong member type, got %v", err)
	}
}

func TestCascadeOnDelete(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	orders := []*Entity{attachOrder(t, m, 1, alfki), attachOrder(t, m, 2, alfki), attachOrder(t, m, 3, alfki)}
	if cust.Collection("orders").Len() != 3 {
		t.Fatalf("expected three children")
	}

	if err := cust.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	expectState(t, cust, domain.StateDeleted)
	if cust.Collection("orders").Len() != 0 {
		t.Fatalf("expected empty collection after delete")
	}
	for _, o := range orders {
		if o.Nav("customer") != nil {
			t.Fatalf("%s still points at the deleted parent", o)
		}
		if o.Get("customerID") != alfki {
			t.Fatalf("%s foreign key changed to %v", o, o.Get("customerID"))
		}
		expectState(t, o, domain.StateModified)
	}

	cust.Aspect().RejectChanges()
	expectState(t, cust, domain.StateUnchanged)
	if cust.Collection("orders").Len() != 3 {
		t.Fatalf("expected reject to relink children, got %d", cust.Collection("orders").Len())
	}
	for _, o := range orders {
		if o.Nav("customer") != cust {
			t.Fatalf("%s not relinked", o)
		}
	}
	m.RejectChanges()
	if m.HasChanges() {
		t.Fatalf("expected no changes after reject")
	}
	checkConsistency(t, m)
}

func TestDeleteKeepsAddedChildrenAdded(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := mustCreate(t, m, "Order", nil)
	if err := cust.Collection("orders").Push(order); err != nil {
		t.Fatalf("Push: %v", err)
	}
	expectState(t, order, domain.StateAdded)
	if err := cust.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	expectState(t, order, domain.StateAdded)
}

func TestDeletedChildKeepsForeignKey(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := attachOrder(t, m, 1, alfki)
	if err := order.Aspect().SetDeleted(); err != nil {
		t.Fatalf("SetDeleted: %v", err)
	}
	if order.Nav("customer") != nil {
		t.Fatalf("deleted child still navigates to its parent")
	}
	if order.Get("customerID") != alfki {
		t.Fatalf("deleted child lost its foreign key: %v", order.Get("customerID"))
	}
	if cust.Collection("orders").Contains(order) {
		t.Fatalf("deleted child still in parent collection")
	}
	expectState(t, cust, domain.StateUnchanged)
}

func TestDetachSeversChildren(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	o1 := attachOrder(t, m, 1, alfki)
	o2 := attachOrder(t, m, 2, alfki)

	if !m.DetachEntity(cust) {
		t.Fatalf("expected DetachEntity to succeed")
	}
	expectState(t, cust, domain.StateDetached)
	if cust.Aspect().Manager() != nil || m.FindEntityByKey(cust.Key()) != nil {
		t.Fatalf("detached entity must leave the index")
	}
	for _, o := range []*Entity{o1, o2} {
		if o.Nav("customer") != nil || o.Get("customerID") != alfki {
			t.Fatalf("unexpected child after detach: nav=%v fk=%v", o.Nav("customer"), o.Get("customerID"))
		}
		expectState(t, o, domain.StateUnchanged)
	}
	if cust.Collection("orders").Len() != 0 {
		t.Fatalf("detached entity's collections must be empty")
	}

	if err := m.AttachEntity(cust); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if cust.Collection("orders").Len() != 2 || o1.Nav("customer") != cust {
		t.Fatalf("expected children relinked on reattach")
	}
}

func TestDetachedChildKeepsItsOwnNavigation(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	order := attachOrder(t, m, 1, alfki)
	m.DetachEntity(order)
	if cust.Collection("orders").Contains(order) {
		t.Fatalf("detached child must leave the parent's collection")
	}
	if order.Nav("customer") != cust || order.Get("customerID") != alfki {
		t.Fatalf("detached child keeps its own navigation and foreign key")
	}
}

func TestKeyChangePropagatesToDependents(t *testing.T) {
	m := newTestManager(t)
	order := attachOrder(t, m, 10, nil)
	d1 := mustAttach(t, m, "OrderDetail", map[string]any{"orderID": 10, "productID": 1, "quantity": 2})
	d2 := mustAttach(t, m, "OrderDetail", map[string]any{"orderID": 10, "productID": 2, "quantity": 3})
	if order.Collection("orderDetails").Len() != 2 {
		t.Fatalf("expected details linked on attach")
	}

	mustSet(t, order, "orderID", 11)

	for _, d := range []*Entity{d1, d2} {
		if d.Get("orderID") != int64(11) {
			t.Fatalf("expected propagated key, got %v", d.Get("orderID"))
		}
		expectState(t, d, domain.StateModified)
	}
	if got, _ := m.GetEntityByKey("OrderDetail", 11, 1); got != d1 {
		t.Fatalf("expected detail reindexed under its new key")
	}
	if got, _ := m.GetEntityByKey("Order", 10); got != nil {
		t.Fatalf("old key must no longer resolve")
	}
	checkConsistency(t, m)
}

func TestDuplicateKeyChangeIsRejected(t *testing.T) {
	m := newTestManager(t)
	attachOrder(t, m, 1, nil)
	o2 := attachOrder(t, m, 2, nil)
	err := o2.Set("orderID", 1)
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if o2.Get("orderID") != int64(2) {
		t.Fatalf("rejected key change must leave the value, got %v", o2.Get("orderID"))
	}
	expectState(t, o2, domain.StateUnchanged)
}

func TestImplicitAttachThroughNavigation(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")

	keyed := mustCreate(t, m, "Order", map[string]any{"orderID": 7})
	mustSet(t, keyed, "customer", cust)
	if keyed.Aspect().Manager() != m {
		t.Fatalf("expected implicit attach")
	}
	expectState(t, keyed, domain.StateModified)

	fresh := mustCreate(t, m, "Order", nil)
	if err := cust.Collection("orders").Push(fresh); err != nil {
		t.Fatalf("Push: %v", err)
	}
	expectState(t, fresh, domain.StateAdded)
	if !fresh.Aspect().HasTempKey() {
		t.Fatalf("expected a temporary key")
	}
	if fresh.Get("customerID") != alfki {
		t.Fatalf("expected foreign key set on push")
	}
	checkConsistency(t, m)
}

func TestForeignManagerIsRejected(t *testing.T) {
	m1 := newTestManager(t)
	m2 := newTestManager(t)
	cust := attachCustomer(t, m1, alfki, "Alfreds")
	order := attachOrder(t, m2, 1, nil)
	if err := order.Set("customer", cust); !errors.Is(err, domain.ErrForeignManager) {
		t.Fatalf("expected ErrForeignManager, got %v", err)
	}
	if order.Nav("customer") != nil {
		t.Fatalf("failed set must not link")
	}
}

func TestGraphAttachAssignsTempKeys(t *testing.T) {
	m := newTestManager(t)
	cust := mustCreate(t, m, "Customer", map[string]any{"companyName": "New"})
	o1 := mustCreate(t, m, "Order", nil)
	o2 := mustCreate(t, m, "Order", nil)
	if err := cust.Collection("orders").Push(o1, o2); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if cust.Aspect().Manager() != nil {
		t.Fatalf("detached graph must stay detached")
	}

	if err := m.AddEntity(cust); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	for _, e := range []*Entity{cust, o1, o2} {
		expectState(t, e, domain.StateAdded)
		if e.Aspect().Manager() != m {
			t.Fatalf("%s not attached with the graph", e)
		}
	}
	if cust.Aspect().HasTempKey() {
		t.Fatalf("client generated guids are permanent keys")
	}
	if !o1.Aspect().HasTempKey() || o1.Get("orderID") == o2.Get("orderID") {
		t.Fatalf("expected distinct temporary keys")
	}
	if o1.Get("customerID") != cust.Get("customerID") {
		t.Fatalf("expected foreign keys synced from the generated key")
	}
	checkConsistency(t, m)
}

func TestGraphAttachMarksKeyedChildModified(t *testing.T) {
	m := newTestManager(t)
	cust := mustCreate(t, m, "Customer", map[string]any{"companyName": "New"})
	order := mustCreate(t, m, "Order", map[string]any{"orderID": 5})
	if err := cust.Collection("orders").Push(order); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.AttachEntity(order); err != nil {
		t.Fatalf("AttachEntity: %v", err)
	}
	expectState(t, cust, domain.StateAdded)
	expectState(t, order, domain.StateModified)
	if order.Get("customerID") != cust.Get("customerID") {
		t.Fatalf("expected child foreign key to follow the parent's new key")
	}
}

func TestAttachWithoutKeyFails(t *testing.T) {
	m := newTestManager(t)
	region := mustCreate(t, m, "Region", map[string]any{"regionDescription": "North"})
	if err := m.AttachEntity(region); !errors.Is(err, domain.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	detail := mustCreate(t, m, "OrderDetail", nil)
	if err := m.AttachEntity(detail); !errors.Is(err, domain.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey for a composite key, got %v", err)
	}
	all, _ := m.GetEntities(EntityFilter{})
	if len(all) != 0 {
		t.Fatalf("failed attach must leave the cache empty")
	}
}

func TestUnidirectionalAssociation(t *testing.T) {
	m := newTestManager(t)
	product := mustAttach(t, m, "Product", map[string]any{"productID": 10, "productName": "Chai", "supplierID": 1})
	supplier := mustAttach(t, m, "Supplier", map[string]any{"supplierID": 1, "companyName": "Exotic Liquids"})
	if !supplier.Collection("products").Contains(product) {
		t.Fatalf("expected pending unidirectional child linked")
	}

	other := mustAttach(t, m, "Product", map[string]any{"productID": 11, "productName": "Chang"})
	if err := supplier.Collection("products").Push(other); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if other.Get("supplierID") != int64(1) {
		t.Fatalf("push must set the inverse foreign key, got %v", other.Get("supplierID"))
	}
	supplier.Collection("products").Remove(other)
	if other.Get("supplierID") != nil {
		t.Fatalf("remove must clear the inverse foreign key")
	}
	mustSet(t, product, "supplierID", nil)
	if supplier.Collection("products").Len() != 0 {
		t.Fatalf("clearing the foreign key must leave the collection")
	}
}

func TestSelfReferencingAssociation(t *testing.T) {
	m := newTestManager(t)
	ceo := mustAttach(t, m, "Employee", map[string]any{"employeeID": 1, "lastName": "Fuller"})
	vp := mustAttach(t, m, "Employee", map[string]any{"employeeID": 2, "lastName": "Davolio", "reportsToEmployeeID": 1})
	rep := mustAttach(t, m, "Employee", map[string]any{"employeeID": 3, "lastName": "Leverling"})
	mustSet(t, rep, "manager", vp)

	if vp.Nav("manager") != ceo || rep.Nav("manager") != vp {
		t.Fatalf("expected a three level hierarchy")
	}
	if !ceo.Collection("directReports").Contains(vp) || !vp.Collection("directReports").Contains(rep) {
		t.Fatalf("expected inverse collections")
	}
	if rep.Get("reportsToEmployeeID") != int64(2) {
		t.Fatalf("expected foreign key 2, got %v", rep.Get("reportsToEmployeeID"))
	}
	got, err := rep.GetPath("manager.manager.lastName")
	if err != nil || got != "Fuller" {
		t.Fatalf("GetPath: %v %v", got, err)
	}
	checkConsistency(t, m)
}

func TestSubtypeJoinsBaseAssociation(t *testing.T) {
	m := newTestManager(t)
	cust := attachCustomer(t, m, alfki, "Alfreds")
	intl := mustAttach(t, m, "InternationalOrder", map[string]any{"orderID": 50, "customerID": alfki, "exciseTax": 1.5})
	if intl.Nav("customer") != cust || !cust.Collection("orders").Contains(intl) {
		t.Fatalf("expected subtype linked through the base navigation")
	}
	if got, _ := m.GetEntityByKey("Order", 50); got != intl {
		t.Fatalf("expected base key lookup to find the subtype")
	}
	dup := mustCreate(t, m, "Order", map[string]any{"orderID": 50})
	if err := m.AttachEntity(dup); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("expected keys unique across the hierarchy, got %v", err)
	}
}

func attachOrderInfo(t *testing.T, m *Manager, orderID int) *Entity {
	t.Helper()
	return mustAttach(t, m, "OrderInfo", map[string]any{"orderID": orderID, "giftMessage": "thanks"})
}

func TestOneToOneLinksBothSides(t *testing.T) {
	m := newTestManager(t)
	o1 := attachOrder(t, m, 1, nil)
	i1 := attachOrderInfo(t, m, 1)
	if o1.Nav("info") != i1 || i1.Nav("order") != o1 {
		t.Fatalf("expected attach to link both ends, got %v / %v", o1.Nav("info"), i1.Nav("order"))
	}

	i2 := attachOrderInfo(t, m, 2)
	if i2.Nav("order") != nil {
		t.Fatalf("expected no principal yet")
	}
	o2 := attachOrder(t, m, 2, nil)
	if o2.Nav("info") != i2 || i2.Nav("order") != o2 {
		t.Fatalf("expected deferred fixup to link the pair")
	}
	expectState(t, i2, domain.StateUnchanged)
	checkConsistency(t, m)
}

func TestOneToOneClearKeepsKeyForeignKey(t *testing.T) {
	m := newTestManager(t)
	o1 := attachOrder(t, m, 1, nil)
	i1 := attachOrderInfo(t, m, 1)

	mustSet(t, o1, "info", nil)
	if o1.Nav("info") != nil || i1.Nav("order") != nil {
		t.Fatalf("expected both ends cleared")
	}
	if i1.Get("orderID") != int64(1) {
		t.Fatalf("key foreign key must survive the clear, got %v", i1.Get("orderID"))
	}
	expectState(t, i1, domain.StateUnchanged)
	checkConsistency(t, m)
}

func TestOneToOneRepointMovesDependentKey(t *testing.T) {
	m := newTestManager(t)
	o1 := attachOrder(t, m, 1, nil)
	i1 := attachOrderInfo(t, m, 1)
	o3 := attachOrder(t, m, 3, nil)

	mustSet(t, o3, "info", i1)
	if o1.Nav("info") != nil {
		t.Fatalf("previous principal still linked to %v", o1.Nav("info"))
	}
	if o3.Nav("info") != i1 || i1.Nav("order") != o3 {
		t.Fatalf("expected the pair re-pointed")
	}
	if i1.Get("orderID") != int64(3) {
		t.Fatalf("expected foreign key 3, got %v", i1.Get("orderID"))
	}
	if got, _ := m.GetEntityByKey("OrderInfo", 3); got != i1 {
		t.Fatalf("expected the dependent indexed under its new key")
	}
	expectState(t, i1, domain.StateModified)
	checkConsistency(t, m)
}

func TestOneToOneKeyCollisionIsRejected(t *testing.T) {
	m := newTestManager(t)
	o1 := attachOrder(t, m, 1, nil)
	i1 := attachOrderInfo(t, m, 1)
	o2 := attachOrder(t, m, 2, nil)
	i2 := attachOrderInfo(t, m, 2)

	cases := []struct {
		name string
		set  func() error
	}{
		{name: "from principal", set: func() error { return o2.Set("info", i1) }},
		{name: "from dependent", set: func() error { return i1.Set("order", o2) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.set(); !errors.Is(err, domain.ErrDuplicateKey) {
				t.Fatalf("expected ErrDuplicateKey, got %v", err)
			}
			if o1.Nav("info") != i1 || i1.Nav("order") != o1 || o2.Nav("info") != i2 || i2.Nav("order") != o2 {
				t.Fatalf("rejected set changed the links")
			}
			if i1.Get("orderID") != int64(1) || i2.Get("orderID") != int64(2) {
				t.Fatalf("rejected set changed the keys: %v %v", i1.Get("orderID"), i2.Get("orderID"))
			}
			for _, e := range []*Entity{o1, i1, o2, i2} {
				expectState(t, e, domain.StateUnchanged)
			}
			checkConsistency(t, m)
		})
	}
}

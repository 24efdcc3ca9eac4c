package entity

import (
	"os"
	"testing"

	"entitycore/pkg/domain"
	"entitycore/pkg/metadata"
)

const (
	alfki = "a1b2c3d4-0000-4000-8000-000000000001"
	bonap = "a1b2c3d4-0000-4000-8000-000000000002"
)

func loadStore(t *testing.T) *metadata.Store {
	t.Helper()
	f, err := os.Open("../metadata/testdata/orders.yaml")
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer f.Close()
	store, err := metadata.LoadYAML(f, nil)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	return store
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(loadStore(t), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func mustCreate(t *testing.T, m *Manager, typeName string, values map[string]any) *Entity {
	t.Helper()
	e, err := m.CreateEntity(typeName, values)
	if err != nil {
		t.Fatalf("CreateEntity %s: %v", typeName, err)
	}
	return e
}

func mustAttach(t *testing.T, m *Manager, typeName string, values map[string]any) *Entity {
	t.Helper()
	e, err := m.CreateEntity(typeName, values, domain.StateUnchanged)
	if err != nil {
		t.Fatalf("attach %s: %v", typeName, err)
	}
	return e
}

func mustSet(t *testing.T, e *Entity, name string, value any) {
	t.Helper()
	if err := e.Set(name, value); err != nil {
		t.Fatalf("set %s.%s: %v", e.TypeName(), name, err)
	}
}

func attachCustomer(t *testing.T, m *Manager, id, name string) *Entity {
	t.Helper()
	return mustAttach(t, m, "Customer", map[string]any{"customerID": id, "companyName": name})
}

func attachOrder(t *testing.T, m *Manager, id int, customerID any) *Entity {
	t.Helper()
	return mustAttach(t, m, "Order", map[string]any{"orderID": id, "customerID": customerID})
}

func expectState(t *testing.T, e *Entity, want domain.EntityState) {
	t.Helper()
	if got := e.Aspect().State(); got != want {
		t.Fatalf("%s: expected state %s, got %s", e, want, got)
	}
}

// recordActions collects the actions published on the manager's stream.
func recordActions(m *Manager) *[]domain.EntityAction {
	var actions []domain.EntityAction
	m.EntityChanged().Subscribe(func(args EntityChangedArgs) {
		actions = append(actions, args.Action)
	})
	return &actions
}

func countActions(actions []domain.EntityAction, want domain.EntityAction) int {
	n := 0
	for _, a := range actions {
		if a == want {
			n++
		}
	}
	return n
}

// checkConsistency asserts the index and relationship invariants over every
// resident entity.
func checkConsistency(t *testing.T, m *Manager) {
	t.Helper()
	resident, err := m.GetEntities(EntityFilter{})
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	for _, e := range resident {
		if e.Aspect().State().IsDetached() {
			t.Fatalf("%s is resident but Detached", e)
		}
		if m.FindEntityByKey(e.Key()) != e {
			t.Fatalf("%s is not indexed under its key", e)
		}
		if e.Aspect().State().IsDeleted() {
			continue
		}
		for _, np := range e.Type().Navigations() {
			if !np.IsScalar || !np.IsDependentEnd() {
				continue
			}
			parent := e.Nav(np.Name)
			if parent == nil {
				continue
			}
			key, ok := e.Aspect().ParentKey(np)
			if !ok || !key.Equal(parent.Key()) {
				t.Fatalf("%s.%s points at %s but its foreign key says %v", e, np.Name, parent, key)
			}
			inv := np.Inverse()
			switch {
			case inv == nil:
			case inv.IsScalar && parent.Nav(inv.Name) != e:
				t.Fatalf("%s.%s points at %s but %s.%s is %v", e, np.Name, parent, parent, inv.Name, parent.Nav(inv.Name))
			case !inv.IsScalar && !parent.Collection(inv.Name).Contains(e):
				t.Fatalf("%s missing from %s.%s", e, parent, inv.Name)
			}
		}
	}
}

package nwc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory BlobStore for tests. failSet makes every
// write fail, exercising persist-failure rollback.
type memStore struct {
	mu      sync.Mutex
	items   map[string][]byte
	failSet bool
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string][]byte)}
}

func (m *memStore) GetItem(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[key], nil
}

func (m *memStore) SetItem(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("write failed")
	}
	m.items[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) DeleteItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func testParams(name string) CreateConnectionParams {
	return CreateConnectionParams{
		Name:        name,
		Pubkey:      "pk-" + name,
		RelayURL:    "wss://relay.example.com",
		Permissions: []string{MethodGetBalance, MethodPayInvoice},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	store := newMemStore()
	reg := NewRegistry(store, nil)
	if err := reg.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return reg, store
}

func TestCreateRejectsEmptyName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Create(testParams("   ")); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("Create with blank name: err = %v, want ErrEmptyName", err)
	}
}

func TestCreateRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Create(testParams("alice")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Create(testParams("Alice")); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate name: err = %v, want ErrDuplicateName", err)
	}
}

func TestCreateRequiresPermissions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	params := testParams("alice")
	params.Permissions = nil
	if _, err := reg.Create(params); !errors.Is(err, ErrNoPermissions) {
		t.Fatalf("Create without permissions: err = %v, want ErrNoPermissions", err)
	}
}

func TestCreateStampsBudgetReset(t *testing.T) {
	reg, _ := newTestRegistry(t)
	params := testParams("alice")
	params.MaxAmountSats = 1000
	params.BudgetRenewal = BudgetRenewalDaily

	conn, err := reg.Create(params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if conn.LastBudgetReset == nil {
		t.Errorf("budgeted connection should have LastBudgetReset stamped at creation")
	}

	unbudgeted, err := reg.Create(testParams("bob"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if unbudgeted.LastBudgetReset != nil {
		t.Errorf("unbudgeted connection should not have LastBudgetReset")
	}
}

func TestPersistRoundtrip(t *testing.T) {
	reg, store := newTestRegistry(t)
	created, err := reg.Create(testParams("alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.AddSpending(created.ID, 0); err != nil {
		t.Fatalf("AddSpending: %v", err)
	}

	// Fresh registry over the same store sees the same record.
	reloaded := NewRegistry(store, nil)
	if err := reloaded.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	got, ok := reloaded.Get(created.ID)
	if !ok {
		t.Fatalf("connection missing after reload")
	}
	if got.Name != "alice" || got.Pubkey != created.Pubkey {
		t.Errorf("reloaded connection = %+v, want original fields", got)
	}
}

func TestCreateRollsBackOnPersistFailure(t *testing.T) {
	reg, store := newTestRegistry(t)
	store.failSet = true
	if _, err := reg.Create(testParams("alice")); err == nil {
		t.Fatalf("Create should fail when persist fails")
	}
	store.failSet = false
	if got := reg.List(); len(got) != 0 {
		t.Errorf("failed create left %d connections in memory, want 0", len(got))
	}
}

func TestDeleteMissingConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Delete("nope"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("Delete missing: err = %v, want ErrConnectionNotFound", err)
	}
}

func TestUpdateBudgetTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	conn, err := reg.Create(testParams("alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Gaining a budget stamps a fresh reset.
	limit := int64(1000)
	if err := reg.Update(conn.ID, UpdateConnectionParams{MaxAmountSats: &limit}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := reg.Get(conn.ID)
	if got.LastBudgetReset == nil {
		t.Fatalf("gaining a budget should stamp LastBudgetReset")
	}

	if err := reg.AddSpending(conn.ID, 400); err != nil {
		t.Fatalf("AddSpending: %v", err)
	}

	// Changing the renewal cadence restarts the window.
	weekly := BudgetRenewalWeekly
	if err := reg.Update(conn.ID, UpdateConnectionParams{BudgetRenewal: &weekly}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = reg.Get(conn.ID)
	if got.TotalSpendSats != 0 {
		t.Errorf("renewal change should zero spend, got %d", got.TotalSpendSats)
	}

	// Losing the budget clears the window entirely.
	none := int64(0)
	if err := reg.Update(conn.ID, UpdateConnectionParams{MaxAmountSats: &none}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = reg.Get(conn.ID)
	if got.LastBudgetReset != nil || got.TotalSpendSats != 0 {
		t.Errorf("removing the budget should clear reset and spend, got %+v", got)
	}
}

func TestMarkUsedFirstUse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	conn, err := reg.Create(testParams("alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := reg.MarkUsed(conn.ID)
	if err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if !first {
		t.Errorf("first MarkUsed should report first use")
	}

	first, err = reg.MarkUsed(conn.ID)
	if err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if first {
		t.Errorf("second MarkUsed should not report first use")
	}
}

func TestActiveExcludesExpired(t *testing.T) {
	reg, _ := newTestRegistry(t)
	past := time.Now().Add(-time.Hour)
	expired := testParams("old")
	expired.ExpiresAt = &past

	if _, err := reg.Create(expired); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Create(testParams("fresh")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	active := reg.Active()
	if len(active) != 1 || active[0].Name != "fresh" {
		t.Fatalf("Active() = %+v, want only the fresh connection", active)
	}
	exp := reg.Expired()
	if len(exp) != 1 || exp[0].Name != "old" {
		t.Fatalf("Expired() = %+v, want only the old connection", exp)
	}
}

func TestResetDueBudgets(t *testing.T) {
	reg, _ := newTestRegistry(t)
	params := testParams("alice")
	params.MaxAmountSats = 1000
	params.BudgetRenewal = BudgetRenewalDaily
	conn, err := reg.Create(params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.AddSpending(conn.ID, 700); err != nil {
		t.Fatalf("AddSpending: %v", err)
	}

	// Not due yet.
	reset, err := reg.ResetDueBudgets()
	if err != nil {
		t.Fatalf("ResetDueBudgets: %v", err)
	}
	if reset != 0 {
		t.Fatalf("reset %d budgets, want 0 while within the window", reset)
	}

	// Force the window into the past.
	stale := time.Now().Add(-25 * time.Hour)
	reg.mu.Lock()
	reg.conns[conn.ID].LastBudgetReset = &stale
	reg.mu.Unlock()

	reset, err = reg.ResetDueBudgets()
	if err != nil {
		t.Fatalf("ResetDueBudgets: %v", err)
	}
	if reset != 1 {
		t.Fatalf("reset %d budgets, want 1", reset)
	}
	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 0 {
		t.Errorf("spend = %d after reset, want 0", got.TotalSpendSats)
	}
}

func TestLoadAllContinuesOnCorruption(t *testing.T) {
	store := newMemStore()
	store.items[storageKeyConnections] = []byte("{not json")

	reg := NewRegistry(store, nil)
	if err := reg.LoadAll(); err == nil {
		t.Fatalf("LoadAll should report corruption")
	}
	if reg.LoadError() == nil {
		t.Errorf("LoadError should retain the failure")
	}
	// The registry stays usable for new connections.
	if _, err := reg.Create(testParams("alice")); err != nil {
		t.Fatalf("Create after corrupted load: %v", err)
	}
}

func TestUpdateRejectedMergeLeavesRecordUntouched(t *testing.T) {
	reg, _ := newTestRegistry(t)
	conn, err := reg.Create(testParams("alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A rename bundled with an invalid permission list must fail as a
	// whole; the rename must not stick.
	name := "renamed"
	err = reg.Update(conn.ID, UpdateConnectionParams{Name: &name, Permissions: []string{}})
	if !errors.Is(err, ErrNoPermissions) {
		t.Fatalf("Update error = %v, want ErrNoPermissions", err)
	}

	got, ok := reg.Get(conn.ID)
	if !ok {
		t.Fatalf("connection disappeared")
	}
	if got.Name != "alice" {
		t.Errorf("name = %q after rejected update, want %q", got.Name, "alice")
	}
}

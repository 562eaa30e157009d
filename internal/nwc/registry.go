package nwc

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateConnectionParams carries the user's input for a new connection.
// Pubkey and RelayURL are filled by the service after key generation.
type CreateConnectionParams struct {
	Name          string
	Description   string
	Pubkey        string
	RelayURL      string
	Permissions   []string
	MaxAmountSats int64
	BudgetRenewal BudgetRenewal
	ExpiresAt     *time.Time
}

// UpdateConnectionParams is a field-level merge; nil fields are left
// untouched.
type UpdateConnectionParams struct {
	Name          *string
	Description   *string
	Permissions   []string
	MaxAmountSats *int64
	BudgetRenewal *BudgetRenewal
	ExpiresAt     *time.Time
	ClearExpiry   bool
}

// Registry owns the in-memory connection collection and is the sole
// writer of persisted connection state. Every mutation persists the full
// snapshot; a mutation whose save fails is rolled back and reported.
type Registry struct {
	store  BlobStore
	logger *zap.Logger

	mu      sync.RWMutex
	conns   map[string]*Connection
	loadErr error
}

// NewRegistry creates a registry over the blob store. Call LoadAll
// before use.
func NewRegistry(store BlobStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger,
		conns:  make(map[string]*Connection),
	}
}

// LoadAll reads the persisted connection set. On failure the registry
// continues with an empty set; the failure is retained for LoadError and
// also returned.
func (r *Registry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns = make(map[string]*Connection)
	r.loadErr = nil

	raw, err := r.store.GetItem(storageKeyConnections)
	if err != nil {
		r.loadErr = fmt.Errorf("load connections: %w", err)
		r.logger.Error("failed to load connections, continuing with empty set", zap.Error(err))
		return r.loadErr
	}
	if len(raw) == 0 {
		return nil
	}

	var list []Connection
	if err := json.Unmarshal(raw, &list); err != nil {
		r.loadErr = fmt.Errorf("decode connections: %w", err)
		r.logger.Error("corrupted connection store, continuing with empty set", zap.Error(err))
		return r.loadErr
	}

	for i := range list {
		conn := list[i]
		r.conns[conn.ID] = &conn
	}
	return nil
}

// LoadError returns the error from the last LoadAll, if any. Surfaced to
// the operator layer; the registry stays usable.
func (r *Registry) LoadError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadErr
}

// persistLocked writes the full snapshot. Caller holds the write lock.
func (r *Registry) persistLocked() error {
	list := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		list = append(list, *conn)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	if err := r.store.SetItem(storageKeyConnections, raw); err != nil {
		return fmt.Errorf("persist connections: %w", err)
	}
	return nil
}

// Create validates and persists a new connection record.
func (r *Registry) Create(params CreateConnectionParams) (Connection, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return Connection{}, ErrEmptyName
	}
	if len(params.Permissions) == 0 {
		return Connection{}, ErrNoPermissions
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.conns {
		if strings.EqualFold(existing.Name, name) {
			return Connection{}, fmt.Errorf("%q: %w", name, ErrDuplicateName)
		}
	}

	renewal := params.BudgetRenewal
	if renewal == "" {
		renewal = BudgetRenewalNever
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:            uuid.NewString(),
		Name:          name,
		Description:   params.Description,
		Pubkey:        params.Pubkey,
		RelayURL:      params.RelayURL,
		Permissions:   append([]string(nil), params.Permissions...),
		CreatedAt:     now,
		BudgetRenewal: renewal,
		MaxAmountSats: params.MaxAmountSats,
		ExpiresAt:     params.ExpiresAt,
	}
	if conn.HasBudgetLimit() {
		reset := now
		conn.LastBudgetReset = &reset
	}

	r.conns[conn.ID] = conn
	if err := r.persistLocked(); err != nil {
		delete(r.conns, conn.ID)
		return Connection{}, err
	}
	return conn.clone(), nil
}

// Get returns a copy of the connection, if present.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return conn.clone(), true
}

// GetByPubkey returns a copy of the connection with the given client
// pubkey, if present.
func (r *Registry) GetByPubkey(pubkey string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		if conn.Pubkey == pubkey {
			return conn.clone(), true
		}
	}
	return Connection{}, false
}

// Update applies a field-level merge and persists. Budget reconfiguration
// restarts the renewal window: gaining a budget stamps a fresh reset,
// losing it clears counters, and a renewal change with a budget in place
// zeroes the spend.
func (r *Registry) Update(id string, params UpdateConnectionParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrConnectionNotFound)
	}

	// The merge is staged on a copy so a validation or persist failure
	// leaves the registry untouched.
	next := conn.clone()

	hadBudget := next.HasBudgetLimit()
	oldRenewal := next.BudgetRenewal

	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" {
			return ErrEmptyName
		}
		for otherID, other := range r.conns {
			if otherID != id && strings.EqualFold(other.Name, name) {
				return fmt.Errorf("%q: %w", name, ErrDuplicateName)
			}
		}
		next.Name = name
	}
	if params.Description != nil {
		next.Description = *params.Description
	}
	if params.Permissions != nil {
		if len(params.Permissions) == 0 {
			return ErrNoPermissions
		}
		next.Permissions = append([]string(nil), params.Permissions...)
	}
	if params.MaxAmountSats != nil {
		next.MaxAmountSats = *params.MaxAmountSats
	}
	if params.BudgetRenewal != nil {
		next.BudgetRenewal = *params.BudgetRenewal
	}
	if params.ClearExpiry {
		next.ExpiresAt = nil
	} else if params.ExpiresAt != nil {
		t := *params.ExpiresAt
		next.ExpiresAt = &t
	}

	hasBudget := next.HasBudgetLimit()
	renewalChanged := params.BudgetRenewal != nil && next.BudgetRenewal != oldRenewal

	switch {
	case !hadBudget && hasBudget:
		now := time.Now().UTC()
		next.LastBudgetReset = &now
	case hadBudget && !hasBudget:
		next.LastBudgetReset = nil
		next.TotalSpendSats = 0
	case hasBudget && renewalChanged:
		now := time.Now().UTC()
		next.LastBudgetReset = &now
		next.TotalSpendSats = 0
	}

	r.conns[id] = &next
	if err := r.persistLocked(); err != nil {
		r.conns[id] = conn
		return err
	}
	return nil
}

// Delete removes the record. Deleting an unknown id is surfaced as
// ErrConnectionNotFound, not silently ignored.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrConnectionNotFound)
	}

	delete(r.conns, id)
	if err := r.persistLocked(); err != nil {
		r.conns[id] = conn
		return err
	}
	return nil
}

// List returns copies of all records, newest first.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Active returns the non-expired connections, newest first.
func (r *Registry) Active() []Connection {
	var out []Connection
	for _, conn := range r.List() {
		if !conn.IsExpired() {
			out = append(out, conn)
		}
	}
	return out
}

// Expired returns the expired connections, newest first.
func (r *Registry) Expired() []Connection {
	var out []Connection
	for _, conn := range r.List() {
		if conn.IsExpired() {
			out = append(out, conn)
		}
	}
	return out
}

// MarkUsed stamps LastUsed and reports whether this was the connection's
// first-ever use.
func (r *Registry) MarkUsed(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false, fmt.Errorf("mark used %s: %w", id, ErrConnectionNotFound)
	}
	first := conn.LastUsed == nil
	now := time.Now().UTC()
	conn.LastUsed = &now

	if err := r.persistLocked(); err != nil {
		return first, err
	}
	return first, nil
}

// AddSpending commits an authorized spend and persists. The caller must
// have serialized against other spends for the same connection and
// checked CanSpend.
func (r *Registry) AddSpending(id string, amountSats int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("add spending %s: %w", id, ErrConnectionNotFound)
	}
	prevSpend := conn.TotalSpendSats
	if err := conn.AddSpending(amountSats); err != nil {
		return err
	}
	if err := r.persistLocked(); err != nil {
		conn.TotalSpendSats = prevSpend
		return err
	}
	return nil
}

// CheckAndResetBudget resets the connection's budget window if due and
// reports whether a reset happened.
func (r *Registry) CheckAndResetBudget(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false, fmt.Errorf("check budget %s: %w", id, ErrConnectionNotFound)
	}
	if !conn.NeedsBudgetReset() {
		return false, nil
	}
	conn.ResetBudget()
	if err := r.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// ResetDueBudgets resets every connection whose renewal period has
// elapsed. One snapshot is persisted if anything changed.
func (r *Registry) ResetDueBudgets() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reset := 0
	for _, conn := range r.conns {
		if conn.NeedsBudgetReset() {
			conn.ResetBudget()
			reset++
		}
	}
	if reset == 0 {
		return 0, nil
	}
	if err := r.persistLocked(); err != nil {
		return reset, err
	}
	return reset, nil
}

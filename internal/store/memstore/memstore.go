// Package memstore is an in-memory implementation of the store interfaces
// with real transaction semantics: Begin snapshots state, Commit publishes
// it, Rollback discards it. Transactions are strictly serialized, which
// mirrors the one-operation-at-a-time execution model the vault service
// assumes. Tests use it to exercise full-rollback behavior without a
// database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

type taskKey struct {
	vault uuid.UUID
	id    int64
}

type linkKey struct {
	vault   uuid.UUID
	account uuid.UUID
}

type state struct {
	accounts map[uuid.UUID]*models.Account
	vaults   map[uuid.UUID]*models.Vault
	tasks    map[taskKey]*models.Task
	ledger   []*models.LedgerEntry
	links    map[linkKey]time.Time
}

func newState() *state {
	return &state{
		accounts: make(map[uuid.UUID]*models.Account),
		vaults:   make(map[uuid.UUID]*models.Vault),
		tasks:    make(map[taskKey]*models.Task),
		links:    make(map[linkKey]time.Time),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, a := range s.accounts {
		cp := *a
		c.accounts[id] = &cp
	}
	for id, v := range s.vaults {
		cp := *v
		c.vaults[id] = &cp
	}
	for k, t := range s.tasks {
		cp := *t
		c.tasks[k] = &cp
	}
	c.ledger = make([]*models.LedgerEntry, len(s.ledger))
	copy(c.ledger, s.ledger)
	for k, at := range s.links {
		c.links[k] = at
	}
	return c
}

// Store holds the live state and implements every store interface.
type Store struct {
	mu   sync.Mutex
	live *state
}

func New() *Store {
	return &Store{live: newState()}
}

var _ store.DB = (*Store)(nil)

// Per-entity views. The store interfaces reuse method names (Create, Credit,
// Debit), so each is exposed through a thin adapter rather than on Store
// itself.

func (m *Store) Accounts() store.AccountStore           { return accountView{m} }
func (m *Store) Vaults() store.VaultStore               { return vaultView{m} }
func (m *Store) Tasks() store.TaskStore                 { return taskView{m} }
func (m *Store) Ledger() store.LedgerStore              { return ledgerView{m} }
func (m *Store) Collaborators() store.CollaboratorStore { return collabView{m} }

// Tx is a serialized transaction: the store mutex is held from Begin until
// Commit or Rollback.
type Tx struct {
	s    *Store
	st   *state
	done bool
}

func (m *Store) Begin(context.Context) (store.Tx, error) {
	m.mu.Lock()
	return &Tx{s: m, st: m.live.clone()}, nil
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.live = t.st
	t.s.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

// st resolves the working state for a possibly-nil tx. Reads outside a
// transaction see committed state.
func (m *Store) st(tx store.Tx) (*state, func()) {
	if tx == nil {
		m.mu.Lock()
		return m.live, m.mu.Unlock
	}
	return tx.(*Tx).st, func() {}
}

// --- AccountStore ---

func (m *Store) CreateAccount(_ context.Context, tx store.Tx, a *models.Account) error {
	st, release := m.st(tx)
	defer release()
	if _, ok := st.accounts[a.ID]; ok {
		return store.ErrConditionFailed
	}
	for _, existing := range st.accounts {
		if existing.Email == a.Email {
			return store.ErrConditionFailed
		}
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	st.accounts[a.ID] = &cp
	return nil
}

func (m *Store) GetAccount(_ context.Context, tx store.Tx, id uuid.UUID) (*models.Account, error) {
	st, release := m.st(tx)
	defer release()
	a, ok := st.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Store) GetAccountByEmail(_ context.Context, tx store.Tx, email string) (*models.Account, error) {
	st, release := m.st(tx)
	defer release()
	for _, a := range st.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) CreditAccount(_ context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	st, release := m.st(tx)
	defer release()
	a, ok := st.accounts[id]
	if !ok || !a.IsActive {
		return 0, store.ErrConditionFailed
	}
	a.Balance += amount
	return a.Balance, nil
}

func (m *Store) DebitAccount(_ context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	st, release := m.st(tx)
	defer release()
	a, ok := st.accounts[id]
	if !ok || a.Balance < amount {
		return 0, store.ErrConditionFailed
	}
	a.Balance -= amount
	return a.Balance, nil
}

func (m *Store) SetAccountActive(_ context.Context, tx store.Tx, id uuid.UUID, active bool) error {
	st, release := m.st(tx)
	defer release()
	a, ok := st.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.IsActive = active
	return nil
}

// --- VaultStore ---

func (m *Store) CreateVault(_ context.Context, tx store.Tx, v *models.Vault) error {
	st, release := m.st(tx)
	defer release()
	if _, ok := st.vaults[v.ID]; ok {
		return store.ErrConditionFailed
	}
	now := time.Now()
	v.CreatedAt, v.UpdatedAt = now, now
	cp := *v
	st.vaults[v.ID] = &cp
	return nil
}

func (m *Store) GetVault(_ context.Context, tx store.Tx, id uuid.UUID) (*models.Vault, error) {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// GetForUpdate is equivalent to GetVault here: memstore transactions are
// serialized by the store mutex, so the row is already exclusively held.
func (m *Store) GetForUpdate(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Vault, error) {
	return m.GetVault(ctx, tx, id)
}

func (m *Store) UpdatePolicy(_ context.Context, tx store.Tx, id uuid.UUID, policyType string, delaySeconds int64, beneficiary *uuid.UUID) error {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok {
		return store.ErrNotFound
	}
	v.PolicyType = policyType
	v.PolicyDelaySeconds = delaySeconds
	v.PolicyBeneficiary = beneficiary
	return nil
}

func (m *Store) CreditVault(_ context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	v.Balance += amount
	return v.Balance, nil
}

func (m *Store) DebitVault(_ context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok || v.Balance < amount {
		return 0, store.ErrConditionFailed
	}
	v.Balance -= amount
	return v.Balance, nil
}

func (m *Store) Reserve(_ context.Context, tx store.Tx, id uuid.UUID, amount int64) error {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok || v.Balance-v.Committed-v.PendingPayout < amount {
		return store.ErrConditionFailed
	}
	v.Committed += amount
	return nil
}

func (m *Store) Unreserve(_ context.Context, tx store.Tx, id uuid.UUID, amount int64) error {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok || v.Committed < amount {
		return store.ErrConditionFailed
	}
	v.Committed -= amount
	return nil
}

func (m *Store) AddPendingPayout(_ context.Context, tx store.Tx, id uuid.UUID, delta int64) error {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok || v.PendingPayout+delta < 0 {
		return store.ErrConditionFailed
	}
	v.PendingPayout += delta
	return nil
}

func (m *Store) SetPointer(_ context.Context, tx store.Tx, id uuid.UUID, taskID int64, deadline *time.Time, valid bool) error {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok {
		return store.ErrNotFound
	}
	v.NextTaskID = taskID
	if deadline != nil {
		d := *deadline
		v.NextDeadline = &d
	} else {
		v.NextDeadline = nil
	}
	v.NextValid = valid
	return nil
}

func (m *Store) NextTaskID(_ context.Context, tx store.Tx, id uuid.UUID) (int64, error) {
	st, release := m.st(tx)
	defer release()
	v, ok := st.vaults[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	v.TaskSeq++
	return v.TaskSeq, nil
}

func (m *Store) ListDue(_ context.Context, tx store.Tx, asOf time.Time, limit int) ([]store.VaultPointer, error) {
	st, release := m.st(tx)
	defer release()
	var due []store.VaultPointer
	for _, v := range st.vaults {
		if v.NextValid && v.NextDeadline != nil && !v.NextDeadline.After(asOf) {
			due = append(due, store.VaultPointer{VaultID: v.ID, TaskID: v.NextTaskID, Deadline: *v.NextDeadline})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- TaskStore ---

func (m *Store) CreateTask(_ context.Context, tx store.Tx, t *models.Task) error {
	st, release := m.st(tx)
	defer release()
	k := taskKey{t.VaultID, t.ID}
	if _, ok := st.tasks[k]; ok {
		return store.ErrConditionFailed
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	st.tasks[k] = &cp
	return nil
}

func (m *Store) GetTask(_ context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) (*models.Task, error) {
	st, release := m.st(tx)
	defer release()
	t, ok := st.tasks[taskKey{vaultID, taskID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Store) SetStatus(_ context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64, status string) error {
	st, release := m.st(tx)
	defer release()
	t, ok := st.tasks[taskKey{vaultID, taskID}]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Store) SetClaimable(_ context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64, claimableAt time.Time) error {
	st, release := m.st(tx)
	defer release()
	t, ok := st.tasks[taskKey{vaultID, taskID}]
	if !ok {
		return store.ErrNotFound
	}
	at := claimableAt
	t.ClaimableAt = &at
	return nil
}

func (m *Store) MarkReleased(_ context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) error {
	st, release := m.st(tx)
	defer release()
	t, ok := st.tasks[taskKey{vaultID, taskID}]
	if !ok || t.Released {
		return store.ErrConditionFailed
	}
	t.Released = true
	return nil
}

func (m *Store) SoonestPending(_ context.Context, tx store.Tx, vaultID uuid.UUID) (int64, time.Time, bool, error) {
	st, release := m.st(tx)
	defer release()
	var best *models.Task
	for _, t := range st.tasks {
		if t.VaultID != vaultID || t.Status != models.TaskStatusPending {
			continue
		}
		if best == nil || t.Deadline.Before(best.Deadline) || (t.Deadline.Equal(best.Deadline) && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return 0, time.Time{}, false, nil
	}
	return best.ID, best.Deadline, true, nil
}

func (m *Store) ListByVault(_ context.Context, tx store.Tx, vaultID uuid.UUID) ([]*models.Task, error) {
	st, release := m.st(tx)
	defer release()
	var list []*models.Task
	for _, t := range st.tasks {
		if t.VaultID == vaultID {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// --- LedgerStore ---

func (m *Store) CreateEntry(_ context.Context, tx store.Tx, e *models.LedgerEntry) error {
	st, release := m.st(tx)
	defer release()
	e.CreatedAt = time.Now()
	cp := *e
	st.ledger = append(st.ledger, &cp)
	return nil
}

func (m *Store) ListEntriesByVault(_ context.Context, tx store.Tx, vaultID uuid.UUID) ([]*models.LedgerEntry, error) {
	st, release := m.st(tx)
	defer release()
	var list []*models.LedgerEntry
	for _, e := range st.ledger {
		if e.VaultID == vaultID {
			cp := *e
			list = append(list, &cp)
		}
	}
	return list, nil
}

// --- CollaboratorStore ---

func (m *Store) Link(_ context.Context, tx store.Tx, vaultID, accountID uuid.UUID) error {
	st, release := m.st(tx)
	defer release()
	k := linkKey{vaultID, accountID}
	if _, ok := st.links[k]; !ok {
		st.links[k] = time.Now()
	}
	return nil
}

func (m *Store) IsLinked(_ context.Context, tx store.Tx, vaultID, accountID uuid.UUID) (bool, error) {
	st, release := m.st(tx)
	defer release()
	_, ok := st.links[linkKey{vaultID, accountID}]
	return ok, nil
}

// --- interface adapters ---

type accountView struct{ m *Store }

func (v accountView) Create(ctx context.Context, tx store.Tx, a *models.Account) error {
	return v.m.CreateAccount(ctx, tx, a)
}
func (v accountView) GetByID(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Account, error) {
	return v.m.GetAccount(ctx, tx, id)
}
func (v accountView) GetByEmail(ctx context.Context, tx store.Tx, email string) (*models.Account, error) {
	return v.m.GetAccountByEmail(ctx, tx, email)
}
func (v accountView) Credit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	return v.m.CreditAccount(ctx, tx, id, amount)
}
func (v accountView) Debit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	return v.m.DebitAccount(ctx, tx, id, amount)
}
func (v accountView) SetActive(ctx context.Context, tx store.Tx, id uuid.UUID, active bool) error {
	return v.m.SetAccountActive(ctx, tx, id, active)
}

type vaultView struct{ m *Store }

func (v vaultView) Create(ctx context.Context, tx store.Tx, vlt *models.Vault) error {
	return v.m.CreateVault(ctx, tx, vlt)
}
func (v vaultView) GetByID(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Vault, error) {
	return v.m.GetVault(ctx, tx, id)
}
func (v vaultView) GetForUpdate(ctx context.Context, tx store.Tx, id uuid.UUID) (*models.Vault, error) {
	return v.m.GetForUpdate(ctx, tx, id)
}
func (v vaultView) UpdatePolicy(ctx context.Context, tx store.Tx, id uuid.UUID, policyType string, delaySeconds int64, beneficiary *uuid.UUID) error {
	return v.m.UpdatePolicy(ctx, tx, id, policyType, delaySeconds, beneficiary)
}
func (v vaultView) Credit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	return v.m.CreditVault(ctx, tx, id, amount)
}
func (v vaultView) Debit(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) (int64, error) {
	return v.m.DebitVault(ctx, tx, id, amount)
}
func (v vaultView) Reserve(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) error {
	return v.m.Reserve(ctx, tx, id, amount)
}
func (v vaultView) Unreserve(ctx context.Context, tx store.Tx, id uuid.UUID, amount int64) error {
	return v.m.Unreserve(ctx, tx, id, amount)
}
func (v vaultView) AddPendingPayout(ctx context.Context, tx store.Tx, id uuid.UUID, delta int64) error {
	return v.m.AddPendingPayout(ctx, tx, id, delta)
}
func (v vaultView) SetPointer(ctx context.Context, tx store.Tx, id uuid.UUID, taskID int64, deadline *time.Time, valid bool) error {
	return v.m.SetPointer(ctx, tx, id, taskID, deadline, valid)
}
func (v vaultView) NextTaskID(ctx context.Context, tx store.Tx, id uuid.UUID) (int64, error) {
	return v.m.NextTaskID(ctx, tx, id)
}
func (v vaultView) ListDue(ctx context.Context, tx store.Tx, asOf time.Time, limit int) ([]store.VaultPointer, error) {
	return v.m.ListDue(ctx, tx, asOf, limit)
}

type taskView struct{ m *Store }

func (v taskView) Create(ctx context.Context, tx store.Tx, t *models.Task) error {
	return v.m.CreateTask(ctx, tx, t)
}
func (v taskView) Get(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) (*models.Task, error) {
	return v.m.GetTask(ctx, tx, vaultID, taskID)
}
func (v taskView) SetStatus(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64, status string) error {
	return v.m.SetStatus(ctx, tx, vaultID, taskID, status)
}
func (v taskView) SetClaimable(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64, claimableAt time.Time) error {
	return v.m.SetClaimable(ctx, tx, vaultID, taskID, claimableAt)
}
func (v taskView) MarkReleased(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) error {
	return v.m.MarkReleased(ctx, tx, vaultID, taskID)
}
func (v taskView) SoonestPending(ctx context.Context, tx store.Tx, vaultID uuid.UUID) (int64, time.Time, bool, error) {
	return v.m.SoonestPending(ctx, tx, vaultID)
}
func (v taskView) ListByVault(ctx context.Context, tx store.Tx, vaultID uuid.UUID) ([]*models.Task, error) {
	return v.m.ListByVault(ctx, tx, vaultID)
}

type ledgerView struct{ m *Store }

func (v ledgerView) Create(ctx context.Context, tx store.Tx, e *models.LedgerEntry) error {
	return v.m.CreateEntry(ctx, tx, e)
}
func (v ledgerView) ListByVault(ctx context.Context, tx store.Tx, vaultID uuid.UUID) ([]*models.LedgerEntry, error) {
	return v.m.ListEntriesByVault(ctx, tx, vaultID)
}

type collabView struct{ m *Store }

func (v collabView) Link(ctx context.Context, tx store.Tx, vaultID, accountID uuid.UUID) error {
	return v.m.Link(ctx, tx, vaultID, accountID)
}
func (v collabView) IsLinked(ctx context.Context, tx store.Tx, vaultID, accountID uuid.UUID) (bool, error) {
	return v.m.IsLinked(ctx, tx, vaultID, accountID)
}

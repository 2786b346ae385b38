// Package tasks is the task ledger: it owns the per-vault set of
// reward-bearing tasks, their lifecycle transitions and the soonest-deadline
// pointer. Every mutating operation runs in one transaction that starts by
// locking the vault row, so work on a single vault is strictly serialized
// and each call commits whole or not at all.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/escrow"
	"github.com/taskvault/backend/internal/events"
	"github.com/taskvault/backend/internal/metrics"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/penalty"
	"github.com/taskvault/backend/internal/store"
)

var (
	ErrNotOwner        = errors.New("caller is not the vault owner")
	ErrNotCollaborator = errors.New("caller is not a linked collaborator")
	ErrVaultNotFound   = errors.New("vault not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrNoPolicySet     = errors.New("no penalty policy selected")
	ErrInvalidPolicy   = errors.New("invalid penalty policy")
	ErrInvalidReward   = errors.New("reward must not be negative")

	// Terminal-state conflicts name the specific state found.
	ErrTaskCompleted = errors.New("task already completed")
	ErrTaskCanceled  = errors.New("task canceled")
	ErrTaskExpired   = errors.New("task already expired")

	ErrNotYetExpired = errors.New("task deadline has not passed")
)

type Service struct {
	DB            store.DB
	Vaults        store.VaultStore
	Tasks         store.TaskStore
	Ledger        store.LedgerStore
	Collaborators store.CollaboratorStore
	Guard         *escrow.Guard
	Resolver      *penalty.Resolver
	Bus           *events.Bus
	Metrics       *metrics.Metrics
	Log           *slog.Logger

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

func NewService(db store.DB, vaults store.VaultStore, taskStore store.TaskStore, ledger store.LedgerStore, collaborators store.CollaboratorStore, guard *escrow.Guard, resolver *penalty.Resolver, bus *events.Bus, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		DB:            db,
		Vaults:        vaults,
		Tasks:         taskStore,
		Ledger:        ledger,
		Collaborators: collaborators,
		Guard:         guard,
		Resolver:      resolver,
		Bus:           bus,
		Metrics:       m,
		Log:           log,
		Now:           time.Now,
	}
}

// terminalErr maps a non-pending status to its named conflict error.
func terminalErr(status string) error {
	switch status {
	case models.TaskStatusCompleted:
		return ErrTaskCompleted
	case models.TaskStatusCanceled:
		return ErrTaskCanceled
	case models.TaskStatusExpired:
		return ErrTaskExpired
	default:
		return fmt.Errorf("unexpected task status %q", status)
	}
}

// lockOwnedVault begins the operation: vault row locked, caller verified.
func (s *Service) lockOwnedVault(ctx context.Context, tx store.Tx, ownerID, vaultID uuid.UUID) (*models.Vault, error) {
	v, err := s.Vaults.GetForUpdate(ctx, tx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVaultNotFound
		}
		return nil, err
	}
	if v.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return v, nil
}

// SetPolicy selects the penalty policy applied to tasks created from now on.
// It never touches already-created tasks' snapshots.
func (s *Service) SetPolicy(ctx context.Context, ownerID, vaultID uuid.UUID, policyType string, delaySeconds int64, beneficiary *uuid.UUID) error {
	switch policyType {
	case models.PolicyDelayedPayment:
		if delaySeconds < 0 {
			return ErrInvalidPolicy
		}
		beneficiary = nil
	case models.PolicyForfeitToBackup:
		if beneficiary == nil {
			return ErrInvalidPolicy
		}
		delaySeconds = 0
	default:
		return ErrInvalidPolicy
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID); err != nil {
		return err
	}
	if err := s.Vaults.UpdatePolicy(ctx, tx, vaultID, policyType, delaySeconds, beneficiary); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.Bus.Publish(events.Event{Type: events.TypePolicyUpdated, VaultID: vaultID, Message: policyType})
	return nil
}

// Deposit moves credits from the owner's account into the vault.
func (s *Service) Deposit(ctx context.Context, ownerID, vaultID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidReward
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID); err != nil {
		return err
	}
	if err := s.Guard.Deposit(ctx, tx, vaultID, ownerID, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Withdraw moves uncommitted credits from the vault back to the owner.
func (s *Service) Withdraw(ctx context.Context, ownerID, vaultID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidReward
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	v, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID)
	if err != nil {
		return err
	}
	if err := s.Guard.Withdraw(ctx, tx, v, ownerID, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTask appends a new pending task. Requires a selected policy and an
// uncommitted balance covering the reward; the current policy is snapshotted
// onto the task. A zero duration is legal and makes the task immediately
// eligible for expiry.
func (s *Service) CreateTask(ctx context.Context, ownerID, vaultID uuid.UUID, description string, reward int64, duration time.Duration) (*models.Task, error) {
	if reward < 0 {
		return nil, ErrInvalidReward
	}
	now := s.Now()

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	v, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID)
	if err != nil {
		return nil, err
	}
	if v.PolicyType == models.PolicyNone {
		return nil, ErrNoPolicySet
	}
	if err := s.Guard.Reserve(ctx, tx, vaultID, reward); err != nil {
		return nil, err
	}
	id, err := s.Vaults.NextTaskID(ctx, tx, vaultID)
	if err != nil {
		return nil, err
	}

	t := &models.Task{
		VaultID:            vaultID,
		ID:                 id,
		Description:        description,
		Reward:             reward,
		Deadline:           now.Add(duration),
		Status:             models.TaskStatusPending,
		PolicyType:         v.PolicyType,
		PolicyDelaySeconds: v.PolicyDelaySeconds,
		PolicyBeneficiary:  v.PolicyBeneficiary,
	}
	if err := s.Tasks.Create(ctx, tx, t); err != nil {
		return nil, err
	}

	// Advance the pointer only when strictly earlier than the current one.
	if !v.NextValid || v.NextDeadline == nil || t.Deadline.Before(*v.NextDeadline) {
		if err := s.Vaults.SetPointer(ctx, tx, vaultID, t.ID, &t.Deadline, true); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.Metrics.TaskTransition(models.TaskStatusPending)
	s.Bus.Publish(events.Event{Type: events.TypeTaskCreated, VaultID: vaultID, TaskID: t.ID, Amount: reward})
	s.Log.Info("task created", "vault_id", vaultID, "task_id", t.ID, "reward", reward, "deadline", t.Deadline)
	return t, nil
}

// CompleteTask marks a pending task completed and pays the reward to the
// owner. A rejected transfer rolls the whole operation back: the task stays
// pending and the committed counter is unchanged.
func (s *Service) CompleteTask(ctx context.Context, ownerID, vaultID uuid.UUID, taskID int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	v, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID)
	if err != nil {
		return err
	}
	t, err := s.getTask(ctx, tx, vaultID, taskID)
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusPending {
		return terminalErr(t.Status)
	}

	if err := s.Tasks.SetStatus(ctx, tx, vaultID, taskID, models.TaskStatusCompleted); err != nil {
		return err
	}
	if err := s.Guard.Release(ctx, tx, vaultID, t.Reward); err != nil {
		return err
	}
	if err := s.Guard.PayOut(ctx, tx, vaultID, v.OwnerID, &taskID, models.LedgerEntryTaskReward, t.Reward); err != nil {
		return err
	}
	if err := s.recomputePointerIfNeeded(ctx, tx, v, taskID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.Metrics.TaskTransition(models.TaskStatusCompleted)
	s.Bus.Publish(events.Event{Type: events.TypeTaskCompleted, VaultID: vaultID, TaskID: taskID, Amount: t.Reward})
	return nil
}

// CancelTask marks a pending task canceled. No funds move; the reservation
// is released.
func (s *Service) CancelTask(ctx context.Context, ownerID, vaultID uuid.UUID, taskID int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	v, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID)
	if err != nil {
		return err
	}
	t, err := s.getTask(ctx, tx, vaultID, taskID)
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusPending {
		return terminalErr(t.Status)
	}

	if err := s.Tasks.SetStatus(ctx, tx, vaultID, taskID, models.TaskStatusCanceled); err != nil {
		return err
	}
	if err := s.Guard.Release(ctx, tx, vaultID, t.Reward); err != nil {
		return err
	}
	if err := s.recomputePointerIfNeeded(ctx, tx, v, taskID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.Metrics.TaskTransition(models.TaskStatusCanceled)
	s.Bus.Publish(events.Event{Type: events.TypeTaskCanceled, VaultID: vaultID, TaskID: taskID})
	return nil
}

// ExpireTask transitions an overdue pending task to expired and applies its
// penalty policy. Permissionless: any caller may invoke it.
func (s *Service) ExpireTask(ctx context.Context, vaultID uuid.UUID, taskID int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	v, err := s.Vaults.GetForUpdate(ctx, tx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrVaultNotFound
		}
		return err
	}
	if err := s.expireLocked(ctx, tx, v, taskID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// expireLocked performs the expiry transition inside an open transaction
// holding the vault lock.
func (s *Service) expireLocked(ctx context.Context, tx store.Tx, v *models.Vault, taskID int64) error {
	t, err := s.getTask(ctx, tx, v.ID, taskID)
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusPending {
		return terminalErr(t.Status)
	}
	if s.Now().Before(t.Deadline) {
		return ErrNotYetExpired
	}

	// Status and accounting settle before any outbound transfer.
	if err := s.Tasks.SetStatus(ctx, tx, v.ID, taskID, models.TaskStatusExpired); err != nil {
		return err
	}
	if err := s.Guard.Release(ctx, tx, v.ID, t.Reward); err != nil {
		return err
	}
	if err := s.Resolver.Resolve(ctx, tx, v, t); err != nil {
		return err
	}
	if err := s.recomputePointerIfNeeded(ctx, tx, v, taskID); err != nil {
		return err
	}

	s.Metrics.TaskTransition(models.TaskStatusExpired)
	s.Bus.Publish(events.Event{Type: events.TypeTaskExpired, VaultID: v.ID, TaskID: taskID, Amount: t.Reward})
	return nil
}

// CheckExpirySignal reports whether the pointed-to soonest task is overdue.
// Pure read; the id it returns may be stale by the time it is acted on.
func (s *Service) CheckExpirySignal(ctx context.Context, vaultID uuid.UUID) (bool, int64, error) {
	v, err := s.Vaults.GetByID(ctx, nil, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, 0, ErrVaultNotFound
		}
		return false, 0, err
	}
	if !v.NextValid || v.NextDeadline == nil || s.Now().Before(*v.NextDeadline) {
		return false, 0, nil
	}
	t, err := s.Tasks.Get(ctx, nil, vaultID, v.NextTaskID)
	if err != nil || t.Status != models.TaskStatusPending {
		return false, 0, nil
	}
	return true, v.NextTaskID, nil
}

// PerformExpiry is the upkeep callback counterpart of ExpireTask. The signal
// it acts on may be stale, so conditions that no longer hold make it a
// silent no-op instead of an error.
func (s *Service) PerformExpiry(ctx context.Context, vaultID uuid.UUID, taskID int64) error {
	err := s.ExpireTask(ctx, vaultID, taskID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVaultNotFound), errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrTaskCompleted), errors.Is(err, ErrTaskCanceled),
		errors.Is(err, ErrTaskExpired), errors.Is(err, ErrNotYetExpired):
		s.Log.Debug("stale upkeep signal ignored", "vault_id", vaultID, "task_id", taskID, "reason", err)
		return nil
	default:
		return err
	}
}

// OnExpired is the authenticated callback surface for linked collaborators
// tracking this vault's tasks externally.
func (s *Service) OnExpired(ctx context.Context, callerID, vaultID uuid.UUID, taskID int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	v, err := s.Vaults.GetForUpdate(ctx, tx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrVaultNotFound
		}
		return err
	}
	linked, err := s.Collaborators.IsLinked(ctx, tx, vaultID, callerID)
	if err != nil {
		return err
	}
	if !linked {
		return ErrNotCollaborator
	}
	if err := s.expireLocked(ctx, tx, v, taskID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LinkCollaborator authorizes an account to invoke OnExpired for this vault.
func (s *Service) LinkCollaborator(ctx context.Context, ownerID, vaultID, collaboratorID uuid.UUID) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID); err != nil {
		return err
	}
	if err := s.Collaborators.Link(ctx, tx, vaultID, collaboratorID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReleaseDelayedPayment collects a reward that expired under a
// delayed-payment policy, once the delay has elapsed.
func (s *Service) ReleaseDelayedPayment(ctx context.Context, ownerID, vaultID uuid.UUID, taskID int64) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	v, err := s.lockOwnedVault(ctx, tx, ownerID, vaultID)
	if err != nil {
		return err
	}
	t, err := s.getTask(ctx, tx, vaultID, taskID)
	if err != nil {
		return err
	}
	if err := s.Resolver.Release(ctx, tx, v, t, s.Now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- reads ---

func (s *Service) GetVault(ctx context.Context, vaultID uuid.UUID) (*models.Vault, error) {
	v, err := s.Vaults.GetByID(ctx, nil, vaultID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrVaultNotFound
	}
	return v, err
}

func (s *Service) GetTask(ctx context.Context, vaultID uuid.UUID, taskID int64) (*models.Task, error) {
	t, err := s.Tasks.Get(ctx, nil, vaultID, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *Service) ListTasks(ctx context.Context, vaultID uuid.UUID) ([]*models.Task, error) {
	return s.Tasks.ListByVault(ctx, nil, vaultID)
}

func (s *Service) ListLedger(ctx context.Context, vaultID uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.Ledger.ListByVault(ctx, nil, vaultID)
}

// --- helpers ---

func (s *Service) getTask(ctx context.Context, tx store.Tx, vaultID uuid.UUID, taskID int64) (*models.Task, error) {
	t, err := s.Tasks.Get(ctx, tx, vaultID, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

// recomputePointerIfNeeded rescans for the new minimum deadline when the
// task that just left Pending was the pointed-to one. Linear rescan; task
// volume per vault is expected to stay small.
func (s *Service) recomputePointerIfNeeded(ctx context.Context, tx store.Tx, v *models.Vault, leftTaskID int64) error {
	if !v.NextValid || v.NextTaskID != leftTaskID {
		return nil
	}
	id, deadline, ok, err := s.Tasks.SoonestPending(ctx, tx, v.ID)
	if err != nil {
		return err
	}
	if !ok {
		return s.Vaults.SetPointer(ctx, tx, v.ID, 0, nil, false)
	}
	return s.Vaults.SetPointer(ctx, tx, v.ID, id, &deadline, true)
}

// Package store defines the persistence boundary for vaults, tasks, accounts
// and the credit ledger. Two implementations exist: store/postgres (pgx) and
// store/memstore (in-memory with snapshot rollback, used by tests).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConditionFailed is returned by guarded updates (conditional debits,
// reservations, credits to inactive accounts) when the guard predicate does
// not hold. Services translate it into the specific domain error.
var ErrConditionFailed = errors.New("condition not met")

// Tx is one unit of work. Every mutating vault operation runs inside a
// single Tx: it commits whole or rolls back whole, which is what gives each
// public operation its atomic-per-call semantics.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB begins transactions.
type DB interface {
	Begin(ctx context.Context) (Tx, error)
}

// AccountStore persists user wallets. Read methods accept a nil Tx, in which
// case they read committed state.
type AccountStore interface {
	Create(ctx context.Context, tx Tx, a *models.Account) error
	GetByID(ctx context.Context, tx Tx, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, tx Tx, email string) (*models.Account, error)
	// Credit adds amount to the account balance. It fails when the account
	// is missing or deactivated, which is how a recipient rejects a payment.
	Credit(ctx context.Context, tx Tx, id uuid.UUID, amount int64) (newBalance int64, err error)
	// Debit subtracts amount iff balance >= amount.
	Debit(ctx context.Context, tx Tx, id uuid.UUID, amount int64) (newBalance int64, err error)
	SetActive(ctx context.Context, tx Tx, id uuid.UUID, active bool) error
}

// VaultPointer is the due-work scan row consumed by the upkeep poller.
type VaultPointer struct {
	VaultID  uuid.UUID
	TaskID   int64
	Deadline time.Time
}

// VaultStore persists escrow vaults, their accounting counters and the
// soonest-deadline pointer.
type VaultStore interface {
	Create(ctx context.Context, tx Tx, v *models.Vault) error
	GetByID(ctx context.Context, tx Tx, id uuid.UUID) (*models.Vault, error)
	// GetForUpdate locks the vault row for the duration of the transaction.
	// Taking this lock first in every mutating operation serializes all
	// work on one vault; it is the reentrancy guard.
	GetForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.Vault, error)
	UpdatePolicy(ctx context.Context, tx Tx, id uuid.UUID, policyType string, delaySeconds int64, beneficiary *uuid.UUID) error
	Credit(ctx context.Context, tx Tx, id uuid.UUID, amount int64) (newBalance int64, err error)
	// Debit subtracts amount from the vault balance iff balance >= amount.
	Debit(ctx context.Context, tx Tx, id uuid.UUID, amount int64) (newBalance int64, err error)
	// Reserve increments the committed counter iff
	// balance - committed - pending_payout >= amount.
	Reserve(ctx context.Context, tx Tx, id uuid.UUID, amount int64) error
	Unreserve(ctx context.Context, tx Tx, id uuid.UUID, amount int64) error
	AddPendingPayout(ctx context.Context, tx Tx, id uuid.UUID, delta int64) error
	SetPointer(ctx context.Context, tx Tx, id uuid.UUID, taskID int64, deadline *time.Time, valid bool) error
	// NextTaskID increments the per-vault task sequence and returns the new
	// value. Task ids are monotonic and never reused.
	NextTaskID(ctx context.Context, tx Tx, id uuid.UUID) (int64, error)
	// ListDue returns vaults whose pointer is valid and overdue as of asOf.
	ListDue(ctx context.Context, tx Tx, asOf time.Time, limit int) ([]VaultPointer, error)
}

// TaskStore persists tasks. Tasks are append-only except for status fields.
type TaskStore interface {
	Create(ctx context.Context, tx Tx, t *models.Task) error
	Get(ctx context.Context, tx Tx, vaultID uuid.UUID, taskID int64) (*models.Task, error)
	SetStatus(ctx context.Context, tx Tx, vaultID uuid.UUID, taskID int64, status string) error
	SetClaimable(ctx context.Context, tx Tx, vaultID uuid.UUID, taskID int64, claimableAt time.Time) error
	MarkReleased(ctx context.Context, tx Tx, vaultID uuid.UUID, taskID int64) error
	// SoonestPending returns the pending task with the minimum deadline, or
	// ok == false when the vault has no pending task. This is the documented
	// linear rescan used to recompute the pointer.
	SoonestPending(ctx context.Context, tx Tx, vaultID uuid.UUID) (taskID int64, deadline time.Time, ok bool, err error)
	ListByVault(ctx context.Context, tx Tx, vaultID uuid.UUID) ([]*models.Task, error)
}

// LedgerStore appends audit entries for credit movements.
type LedgerStore interface {
	Create(ctx context.Context, tx Tx, e *models.LedgerEntry) error
	ListByVault(ctx context.Context, tx Tx, vaultID uuid.UUID) ([]*models.LedgerEntry, error)
}

// CollaboratorStore tracks which accounts may invoke the on-expired callback
// for a vault. Modeled as an explicit relation, not ambient state.
type CollaboratorStore interface {
	Link(ctx context.Context, tx Tx, vaultID, accountID uuid.UUID) error
	IsLinked(ctx context.Context, tx Tx, vaultID, accountID uuid.UUID) (bool, error)
}

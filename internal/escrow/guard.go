// Package escrow is the fund accounting guard for vaults. It owns the
// committed-reward counter and every credit movement between a vault and an
// account, writing one ledger entry per movement. It never decides *when*
// funds move; that is the task ledger's and penalty resolver's job.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/metrics"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

// ErrInsufficientFunds is returned when the uncommitted vault balance cannot
// cover the requested reservation or withdrawal.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrPaymentFailed is returned when the recipient rejects a credit transfer.
// The surrounding transaction must roll back whole.
var ErrPaymentFailed = errors.New("payment failed")

type Guard struct {
	Vaults   store.VaultStore
	Accounts store.AccountStore
	Ledger   store.LedgerStore
	Metrics  *metrics.Metrics
}

func NewGuard(vaults store.VaultStore, accounts store.AccountStore, ledger store.LedgerStore, m *metrics.Metrics) *Guard {
	return &Guard{Vaults: vaults, Accounts: accounts, Ledger: ledger, Metrics: m}
}

// Reserve marks reward as spoken for. Fails with ErrInsufficientFunds unless
// balance - committed - pending_payout >= reward.
func (g *Guard) Reserve(ctx context.Context, tx store.Tx, vaultID uuid.UUID, reward int64) error {
	if err := g.Vaults.Reserve(ctx, tx, vaultID, reward); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return ErrInsufficientFunds
		}
		return err
	}
	return nil
}

// Release undoes a reservation when a task leaves Pending. Exactly one
// Release per Reserve; a failed release indicates a broken counter and is
// returned as-is.
func (g *Guard) Release(ctx context.Context, tx store.Tx, vaultID uuid.UUID, reward int64) error {
	return g.Vaults.Unreserve(ctx, tx, vaultID, reward)
}

// PayOut moves amount from the vault to the recipient account and records a
// ledger entry. A rejected transfer surfaces as ErrPaymentFailed so the
// caller's transaction rolls back, leaving status and counters untouched.
func (g *Guard) PayOut(ctx context.Context, tx store.Tx, vaultID, recipientID uuid.UUID, taskID *int64, entryType string, amount int64) error {
	newBalance, err := g.Vaults.Debit(ctx, tx, vaultID, amount)
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return fmt.Errorf("%w: vault balance below payout", ErrPaymentFailed)
		}
		return err
	}
	if _, err := g.Accounts.Credit(ctx, tx, recipientID, amount); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return fmt.Errorf("%w: recipient %s rejected transfer", ErrPaymentFailed, recipientID)
		}
		return err
	}
	if err := g.Ledger.Create(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		VaultID:      vaultID,
		TaskID:       taskID,
		AccountID:    recipientID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: &newBalance,
	}); err != nil {
		return err
	}
	g.Metrics.Payout(entryType)
	return nil
}

// Deposit moves amount from the account into the vault.
func (g *Guard) Deposit(ctx context.Context, tx store.Tx, vaultID, accountID uuid.UUID, amount int64) error {
	if _, err := g.Accounts.Debit(ctx, tx, accountID, amount); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return ErrInsufficientFunds
		}
		return err
	}
	newBalance, err := g.Vaults.Credit(ctx, tx, vaultID, amount)
	if err != nil {
		return err
	}
	return g.Ledger.Create(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		VaultID:      vaultID,
		AccountID:    accountID,
		EntryType:    models.LedgerEntryDeposit,
		Amount:       amount,
		BalanceAfter: &newBalance,
	})
}

// Withdraw moves amount from the vault back to the owner, limited to the
// uncommitted balance. The caller must hold the vault row lock and pass the
// locked snapshot.
func (g *Guard) Withdraw(ctx context.Context, tx store.Tx, v *models.Vault, accountID uuid.UUID, amount int64) error {
	if v.Available() < amount {
		return ErrInsufficientFunds
	}
	newBalance, err := g.Vaults.Debit(ctx, tx, v.ID, amount)
	if err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return ErrInsufficientFunds
		}
		return err
	}
	if _, err := g.Accounts.Credit(ctx, tx, accountID, amount); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return fmt.Errorf("%w: recipient %s rejected transfer", ErrPaymentFailed, accountID)
		}
		return err
	}
	return g.Ledger.Create(ctx, tx, &models.LedgerEntry{
		ID:           uuid.New(),
		VaultID:      v.ID,
		AccountID:    accountID,
		EntryType:    models.LedgerEntryWithdrawal,
		Amount:       amount,
		BalanceAfter: &newBalance,
	})
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type enums. Every credit movement in or out of a vault is
// recorded exactly once.
const (
	LedgerEntryDeposit        = "deposit"
	LedgerEntryWithdrawal     = "withdrawal"
	LedgerEntryTaskReward     = "task_reward"
	LedgerEntryForfeiture     = "forfeiture"
	LedgerEntryDelayedRelease = "delayed_release"
	LedgerEntryPrefund        = "prefund"
	LedgerEntryRelayValue     = "relay_value"
)

// LedgerEntry is the audit record of a single credit movement between a
// vault and an account.
type LedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	VaultID   uuid.UUID `json:"vault_id"`
	TaskID    *int64    `json:"task_id,omitempty"`
	AccountID uuid.UUID `json:"account_id"`
	EntryType string    `json:"entry_type"`
	Amount    int64     `json:"amount"`
	// BalanceAfter is the vault balance after the movement.
	BalanceAfter *int64    `json:"balance_after,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

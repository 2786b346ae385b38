package models

import (
	"time"

	"github.com/google/uuid"
)

// Penalty policy types. A vault has at most one active policy; it is
// snapshotted onto tasks at creation time and never changes retroactively.
const (
	PolicyNone            = ""
	PolicyDelayedPayment  = "delayed_payment"
	PolicyForfeitToBackup = "forfeit_to_backup"
)

// Vault is a deterministic, registry-created escrow instance owned by a
// single account. It holds a credit balance, reserves the portion spoken for
// by pending tasks (Committed), and tracks rewards that expired under a
// delayed-payment policy but have not been released yet (PendingPayout).
type Vault struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Salt        string    `json:"salt"`
	ForwarderID uuid.UUID `json:"forwarder_id"`

	Balance       int64 `json:"balance"`
	Committed     int64 `json:"committed"`
	PendingPayout int64 `json:"pending_payout"`

	PolicyType         string     `json:"policy_type"`
	PolicyDelaySeconds int64      `json:"policy_delay_seconds,omitempty"`
	PolicyBeneficiary  *uuid.UUID `json:"policy_beneficiary,omitempty"`

	// Soonest-deadline pointer: the pending task with the minimum deadline.
	// NextValid is the explicit "none" sentinel; task id 0 is never
	// overloaded to mean "no task".
	NextTaskID   int64      `json:"next_task_id"`
	NextDeadline *time.Time `json:"next_deadline,omitempty"`
	NextValid    bool       `json:"next_valid"`

	TaskSeq   int64     `json:"task_seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the portion of the balance not spoken for by pending tasks or
// unreleased delayed payouts.
func (v *Vault) Available() int64 {
	return v.Balance - v.Committed - v.PendingPayout
}

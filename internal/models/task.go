package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums. Pending is the only non-terminal state; exactly one of
// the terminal states may ever be reached and no transition leaves it.
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusCanceled  = "canceled"
	TaskStatusExpired   = "expired"
)

// Task is one reward-bearing unit of work inside a vault. Identity is a
// monotonically increasing integer per vault, never reused. Everything but
// the status fields is immutable after creation; tasks are never deleted.
type Task struct {
	VaultID     uuid.UUID `json:"vault_id"`
	ID          int64     `json:"id"`
	Description string    `json:"description"`
	Reward      int64     `json:"reward"`
	Deadline    time.Time `json:"deadline"`
	Status      string    `json:"status"`

	// Penalty policy snapshot captured at creation time.
	PolicyType         string     `json:"policy_type"`
	PolicyDelaySeconds int64      `json:"policy_delay_seconds,omitempty"`
	PolicyBeneficiary  *uuid.UUID `json:"policy_beneficiary,omitempty"`

	// ClaimableAt is set when the task expires under a delayed-payment
	// policy; Released flips once the owner collects the reward.
	ClaimableAt *time.Time `json:"claimable_at,omitempty"`
	Released    bool       `json:"released"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

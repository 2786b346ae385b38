// Package events carries vault lifecycle notifications to in-process
// listeners over a buffered channel. Delivery is best-effort: when no one is
// draining the channel, events are dropped rather than blocking the
// operation that produced them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the vault services.
const (
	TypeVaultCreated   = "vault_created"
	TypeTaskCreated    = "task_created"
	TypeTaskCompleted  = "task_completed"
	TypeTaskCanceled   = "task_canceled"
	TypeTaskExpired    = "task_expired"
	TypePenaltyApplied = "penalty_applied"
	TypeDelayedRelease = "delayed_release"
	TypePolicyUpdated  = "policy_updated"
)

type Event struct {
	Type    string    `json:"type"`
	VaultID uuid.UUID `json:"vault_id"`
	TaskID  int64     `json:"task_id,omitempty"`
	Amount  int64     `json:"amount,omitempty"`
	// ClaimableAt is set on penalty_applied events for delayed payments.
	ClaimableAt *time.Time `json:"claimable_at,omitempty"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Bus struct {
	ch chan Event
}

func NewBus() *Bus {
	return &Bus{ch: make(chan Event, 100)}
}

// Publish broadcasts an event, dropping it if the channel is full.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	select {
	case b.ch <- evt:
	default:
	}
}

// C returns the receive side of the bus.
func (b *Bus) C() <-chan Event {
	return b.ch
}

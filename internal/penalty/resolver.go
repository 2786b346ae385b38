// Package penalty decides what happens to a task's reward at the moment the
// task expires, based on the policy snapshotted at creation time. It runs
// inside the expiry transaction: either the expiry and the penalty effects
// both commit, or neither does.
package penalty

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskvault/backend/internal/escrow"
	"github.com/taskvault/backend/internal/events"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/store"
)

var (
	// ErrInvalidPenaltyChoice is defensively returned when an expiring task
	// carries no recognizable policy snapshot. Creation preconditions make
	// this unreachable in practice.
	ErrInvalidPenaltyChoice = errors.New("invalid penalty choice")

	// ErrPenaltyTypeMismatch is returned when a delayed release is requested
	// for a task whose policy is not delayed payment.
	ErrPenaltyTypeMismatch = errors.New("penalty type mismatch")

	// ErrPenaltyDurationNotElapsed is returned when the delayed reward is
	// not claimable yet.
	ErrPenaltyDurationNotElapsed = errors.New("penalty duration not elapsed")

	// ErrAlreadyReleased is returned on a second release of the same reward.
	ErrAlreadyReleased = errors.New("delayed payment already released")
)

type Resolver struct {
	Tasks  store.TaskStore
	Vaults store.VaultStore
	Guard  *escrow.Guard
	Bus    *events.Bus
	Log    *slog.Logger
}

func NewResolver(tasks store.TaskStore, vaults store.VaultStore, guard *escrow.Guard, bus *events.Bus, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{Tasks: tasks, Vaults: vaults, Guard: guard, Bus: bus, Log: log}
}

// Resolve applies the task's snapshotted policy. Called exactly once per
// task, by the expiry transition, after the task has left Pending and its
// reservation has been released.
func (r *Resolver) Resolve(ctx context.Context, tx store.Tx, v *models.Vault, t *models.Task) error {
	switch t.PolicyType {
	case models.PolicyDelayedPayment:
		claimableAt := t.Deadline.Add(time.Duration(t.PolicyDelaySeconds) * time.Second)
		if err := r.Tasks.SetClaimable(ctx, tx, v.ID, t.ID, claimableAt); err != nil {
			return err
		}
		// The reward stays spoken for until the owner collects it.
		if err := r.Vaults.AddPendingPayout(ctx, tx, v.ID, t.Reward); err != nil {
			return err
		}
		r.Bus.Publish(events.Event{
			Type:        events.TypePenaltyApplied,
			VaultID:     v.ID,
			TaskID:      t.ID,
			Amount:      t.Reward,
			ClaimableAt: &claimableAt,
			Message:     "reward payment delayed",
		})
		return nil

	case models.PolicyForfeitToBackup:
		if t.PolicyBeneficiary == nil {
			return ErrInvalidPenaltyChoice
		}
		// Forfeiture is atomic with the expiry: a rejected transfer fails
		// the whole transition.
		taskID := t.ID
		if err := r.Guard.PayOut(ctx, tx, v.ID, *t.PolicyBeneficiary, &taskID, models.LedgerEntryForfeiture, t.Reward); err != nil {
			return err
		}
		r.Bus.Publish(events.Event{
			Type:    events.TypePenaltyApplied,
			VaultID: v.ID,
			TaskID:  t.ID,
			Amount:  t.Reward,
			Message: "reward forfeited to backup beneficiary",
		})
		return nil

	default:
		return ErrInvalidPenaltyChoice
	}
}

// Release pays out a delayed reward to the vault owner once the delay has
// elapsed. Succeeds at most once per task.
func (r *Resolver) Release(ctx context.Context, tx store.Tx, v *models.Vault, t *models.Task, now time.Time) error {
	if t.PolicyType != models.PolicyDelayedPayment {
		return ErrPenaltyTypeMismatch
	}
	if t.Released {
		return ErrAlreadyReleased
	}
	if t.ClaimableAt == nil || now.Before(*t.ClaimableAt) {
		return ErrPenaltyDurationNotElapsed
	}
	if err := r.Tasks.MarkReleased(ctx, tx, v.ID, t.ID); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return ErrAlreadyReleased
		}
		return err
	}
	if err := r.Vaults.AddPendingPayout(ctx, tx, v.ID, -t.Reward); err != nil {
		return err
	}
	taskID := t.ID
	if err := r.Guard.PayOut(ctx, tx, v.ID, v.OwnerID, &taskID, models.LedgerEntryDelayedRelease, t.Reward); err != nil {
		return err
	}
	r.Bus.Publish(events.Event{
		Type:    events.TypeDelayedRelease,
		VaultID: v.ID,
		TaskID:  t.ID,
		Amount:  t.Reward,
	})
	return nil
}

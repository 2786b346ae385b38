package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskvault/backend/internal/escrow"
	"github.com/taskvault/backend/internal/events"
	"github.com/taskvault/backend/internal/models"
	"github.com/taskvault/backend/internal/penalty"
	"github.com/taskvault/backend/internal/store/memstore"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	t     *testing.T
	st    *memstore.Store
	svc   *Service
	now   time.Time
	ctx   context.Context
	owner uuid.UUID
	vault uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	bus := events.NewBus()
	guard := escrow.NewGuard(st.Vaults(), st.Accounts(), st.Ledger(), nil)
	resolver := penalty.NewResolver(st.Tasks(), st.Vaults(), guard, bus, nil)
	svc := NewService(st, st.Vaults(), st.Tasks(), st.Ledger(), st.Collaborators(), guard, resolver, bus, nil, nil)

	f := &fixture{
		t:   t,
		st:  st,
		svc: svc,
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ctx: context.Background(),
	}
	svc.Now = func() time.Time { return f.now }

	f.owner = f.addAccount("owner@example.com", 0)
	f.vault = uuid.New()
	err := st.Vaults().Create(f.ctx, nil, &models.Vault{
		ID:          f.vault,
		OwnerID:     f.owner,
		Salt:        "test",
		ForwarderID: uuid.New(),
		Balance:     1000,
	})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return f
}

func (f *fixture) addAccount(email string, balance int64) uuid.UUID {
	f.t.Helper()
	acc := &models.Account{
		ID:       uuid.New(),
		Email:    email,
		Balance:  balance,
		IsActive: true,
	}
	if err := f.st.Accounts().Create(f.ctx, nil, acc); err != nil {
		f.t.Fatalf("create account: %v", err)
	}
	return acc.ID
}

func (f *fixture) setDelayedPolicy(delay time.Duration) {
	f.t.Helper()
	if err := f.svc.SetPolicy(f.ctx, f.owner, f.vault, models.PolicyDelayedPayment, int64(delay/time.Second), nil); err != nil {
		f.t.Fatalf("set policy: %v", err)
	}
}

func (f *fixture) setForfeitPolicy(beneficiary uuid.UUID) {
	f.t.Helper()
	if err := f.svc.SetPolicy(f.ctx, f.owner, f.vault, models.PolicyForfeitToBackup, 0, &beneficiary); err != nil {
		f.t.Fatalf("set policy: %v", err)
	}
}

func (f *fixture) createTask(reward int64, duration time.Duration) *models.Task {
	f.t.Helper()
	task, err := f.svc.CreateTask(f.ctx, f.owner, f.vault, "write the report", reward, duration)
	if err != nil {
		f.t.Fatalf("create task: %v", err)
	}
	return task
}

func (f *fixture) getVault() *models.Vault {
	f.t.Helper()
	v, err := f.svc.GetVault(f.ctx, f.vault)
	if err != nil {
		f.t.Fatalf("get vault: %v", err)
	}
	return v
}

func (f *fixture) getTask(id int64) *models.Task {
	f.t.Helper()
	task, err := f.svc.GetTask(f.ctx, f.vault, id)
	if err != nil {
		f.t.Fatalf("get task %d: %v", id, err)
	}
	return task
}

func (f *fixture) accountBalance(id uuid.UUID) int64 {
	f.t.Helper()
	acc, err := f.st.Accounts().GetByID(f.ctx, nil, id)
	if err != nil {
		f.t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

// committedMatchesPending asserts committed == sum of pending rewards, the
// core accounting invariant.
func (f *fixture) committedMatchesPending() {
	f.t.Helper()
	list, err := f.svc.ListTasks(f.ctx, f.vault)
	if err != nil {
		f.t.Fatalf("list tasks: %v", err)
	}
	var sum int64
	for _, task := range list {
		if task.Status == models.TaskStatusPending {
			sum += task.Reward
		}
	}
	if v := f.getVault(); v.Committed != sum {
		f.t.Fatalf("committed = %d, pending rewards sum = %d", v.Committed, sum)
	}
}

// ---------------------------------------------------------------------------
// Creation
// ---------------------------------------------------------------------------

func TestCreateTaskRequiresPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTask(f.ctx, f.owner, f.vault, "x", 100, time.Hour)
	if !errors.Is(err, ErrNoPolicySet) {
		t.Fatalf("expected ErrNoPolicySet, got %v", err)
	}
}

func TestCreateTaskRequiresOwner(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	stranger := f.addAccount("stranger@example.com", 0)
	_, err := f.svc.CreateTask(f.ctx, stranger, f.vault, "x", 100, time.Hour)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestCreateTaskReservesReward(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)

	task := f.createTask(300, time.Hour)
	if task.ID != 1 {
		t.Errorf("first task id = %d, want 1", task.ID)
	}
	if task.Status != models.TaskStatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	v := f.getVault()
	if v.Committed != 300 {
		t.Errorf("committed = %d, want 300", v.Committed)
	}
	if v.Balance != 1000 {
		t.Errorf("balance = %d, want 1000 (creation moves nothing)", v.Balance)
	}
	f.committedMatchesPending()
}

func TestCreateTaskInsufficientFundsLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	f.createTask(900, time.Hour)

	_, err := f.svc.CreateTask(f.ctx, f.owner, f.vault, "too rich", 200, time.Hour)
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	v := f.getVault()
	if v.Committed != 900 {
		t.Errorf("committed = %d, want 900", v.Committed)
	}
	if v.TaskSeq != 1 {
		t.Errorf("task_seq = %d, want 1 (failed creation burns no id)", v.TaskSeq)
	}
	if _, err := f.svc.GetTask(f.ctx, f.vault, 2); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected no second task, got %v", err)
	}
}

func TestCreateTaskZeroDurationIsImmediatelyExpirable(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(100, 0)

	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("expire at deadline: %v", err)
	}
}

func TestTaskIDsAreMonotonicAcrossTerminalTasks(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	t1 := f.createTask(100, time.Hour)
	if err := f.svc.CancelTask(f.ctx, f.owner, f.vault, t1.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	t2 := f.createTask(100, time.Hour)
	if t2.ID != t1.ID+1 {
		t.Errorf("second task id = %d, want %d (ids never reused)", t2.ID, t1.ID+1)
	}
}

// ---------------------------------------------------------------------------
// Completion and cancellation
// ---------------------------------------------------------------------------

func TestCompleteTaskPaysOwner(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(250, time.Hour)

	if err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := f.getTask(task.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	v := f.getVault()
	if v.Balance != 750 {
		t.Errorf("vault balance = %d, want 750", v.Balance)
	}
	if v.Committed != 0 {
		t.Errorf("committed = %d, want 0", v.Committed)
	}
	if got := f.accountBalance(f.owner); got != 250 {
		t.Errorf("owner balance = %d, want 250", got)
	}

	entries, err := f.svc.ListLedger(f.ctx, f.vault)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.EntryType == models.LedgerEntryTaskReward && e.Amount == 250 {
			found = true
		}
	}
	if !found {
		t.Error("no task_reward ledger entry recorded")
	}
}

func TestCancelTaskReleasesWithoutPaying(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(250, time.Hour)

	if err := f.svc.CancelTask(f.ctx, f.owner, f.vault, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	v := f.getVault()
	if v.Balance != 1000 || v.Committed != 0 {
		t.Errorf("balance/committed = %d/%d, want 1000/0", v.Balance, v.Committed)
	}
	if got := f.accountBalance(f.owner); got != 0 {
		t.Errorf("owner balance = %d, want 0", got)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)

	completed := f.createTask(10, time.Hour)
	if err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, completed.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	canceled := f.createTask(10, time.Hour)
	if err := f.svc.CancelTask(f.ctx, f.owner, f.vault, canceled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	expired := f.createTask(10, time.Minute)
	f.now = f.now.Add(2 * time.Minute)
	if err := f.svc.ExpireTask(f.ctx, f.vault, expired.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	cases := []struct {
		name   string
		taskID int64
		want   error
	}{
		{"complete a completed task", completed.ID, ErrTaskCompleted},
		{"complete a canceled task", canceled.ID, ErrTaskCanceled},
		{"complete an expired task", expired.ID, ErrTaskExpired},
	}
	for _, tc := range cases {
		if err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, tc.taskID); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
		if err := f.svc.CancelTask(f.ctx, f.owner, f.vault, tc.taskID); !errors.Is(err, tc.want) {
			t.Errorf("cancel variant of %s: got %v, want %v", tc.name, err, tc.want)
		}
		if err := f.svc.ExpireTask(f.ctx, f.vault, tc.taskID); !errors.Is(err, tc.want) {
			t.Errorf("expire variant of %s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	f.committedMatchesPending()
}

func TestCompletePaymentFailureRollsBackWhole(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(400, time.Hour)

	// Deactivated owner rejects the reward transfer.
	if err := f.st.Accounts().SetActive(f.ctx, nil, f.owner, false); err != nil {
		t.Fatalf("deactivate owner: %v", err)
	}
	err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, task.ID)
	if !errors.Is(err, escrow.ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}

	// Task must still be pending, counters untouched, so the operation can
	// be retried once the owner can receive funds again.
	if got := f.getTask(task.ID); got.Status != models.TaskStatusPending {
		t.Errorf("status = %q, want pending after rollback", got.Status)
	}
	v := f.getVault()
	if v.Balance != 1000 || v.Committed != 400 {
		t.Errorf("balance/committed = %d/%d, want 1000/400", v.Balance, v.Committed)
	}

	if err := f.st.Accounts().SetActive(f.ctx, nil, f.owner, true); err != nil {
		t.Fatalf("reactivate owner: %v", err)
	}
	if err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, task.ID); err != nil {
		t.Fatalf("retry after reactivation: %v", err)
	}
	if got := f.accountBalance(f.owner); got != 400 {
		t.Errorf("owner balance = %d, want 400", got)
	}
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

func TestExpireBeforeDeadlineFails(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(100, time.Hour)

	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("expected ErrNotYetExpired, got %v", err)
	}
	if got := f.getTask(task.ID); got.Status != models.TaskStatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

func TestExpireDelayedPaymentSchedulesClaim(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(30 * time.Minute)
	task := f.createTask(100, time.Hour)

	f.now = f.now.Add(time.Hour)
	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got := f.getTask(task.ID)
	if got.Status != models.TaskStatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
	wantClaimable := task.Deadline.Add(30 * time.Minute)
	if got.ClaimableAt == nil || !got.ClaimableAt.Equal(wantClaimable) {
		t.Errorf("claimable_at = %v, want %v", got.ClaimableAt, wantClaimable)
	}
	v := f.getVault()
	if v.Committed != 0 {
		t.Errorf("committed = %d, want 0 after leaving pending", v.Committed)
	}
	if v.PendingPayout != 100 {
		t.Errorf("pending_payout = %d, want 100", v.PendingPayout)
	}
	if v.Balance != 1000 {
		t.Errorf("balance = %d, want 1000 (no transfer yet)", v.Balance)
	}
}

func TestReleaseDelayedPayment(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(30 * time.Minute)
	task := f.createTask(100, time.Hour)
	f.now = f.now.Add(time.Hour)
	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// Too early.
	err := f.svc.ReleaseDelayedPayment(f.ctx, f.owner, f.vault, task.ID)
	if !errors.Is(err, penalty.ErrPenaltyDurationNotElapsed) {
		t.Fatalf("expected ErrPenaltyDurationNotElapsed, got %v", err)
	}

	f.now = f.now.Add(30 * time.Minute)
	if err := f.svc.ReleaseDelayedPayment(f.ctx, f.owner, f.vault, task.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.accountBalance(f.owner); got != 100 {
		t.Errorf("owner balance = %d, want 100", got)
	}
	v := f.getVault()
	if v.Balance != 900 || v.PendingPayout != 0 {
		t.Errorf("balance/pending_payout = %d/%d, want 900/0", v.Balance, v.PendingPayout)
	}

	// Exactly once.
	err = f.svc.ReleaseDelayedPayment(f.ctx, f.owner, f.vault, task.ID)
	if !errors.Is(err, penalty.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased on second release, got %v", err)
	}
	if got := f.accountBalance(f.owner); got != 100 {
		t.Errorf("owner balance after double release = %d, want 100", got)
	}
}

func TestReleaseRequiresDelayedPolicy(t *testing.T) {
	f := newFixture(t)
	beneficiary := f.addAccount("backup@example.com", 0)
	f.setForfeitPolicy(beneficiary)
	task := f.createTask(100, time.Hour)
	f.now = f.now.Add(2 * time.Hour)
	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	err := f.svc.ReleaseDelayedPayment(f.ctx, f.owner, f.vault, task.ID)
	if !errors.Is(err, penalty.ErrPenaltyTypeMismatch) {
		t.Fatalf("expected ErrPenaltyTypeMismatch, got %v", err)
	}
}

func TestExpireForfeitPaysBeneficiary(t *testing.T) {
	f := newFixture(t)
	beneficiary := f.addAccount("backup@example.com", 0)
	f.setForfeitPolicy(beneficiary)
	task := f.createTask(150, time.Hour)

	f.now = f.now.Add(2 * time.Hour)
	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := f.accountBalance(beneficiary); got != 150 {
		t.Errorf("beneficiary balance = %d, want 150", got)
	}
	v := f.getVault()
	if v.Balance != 850 || v.Committed != 0 || v.PendingPayout != 0 {
		t.Errorf("balance/committed/pending = %d/%d/%d, want 850/0/0", v.Balance, v.Committed, v.PendingPayout)
	}

	entries, _ := f.svc.ListLedger(f.ctx, f.vault)
	var found bool
	for _, e := range entries {
		if e.EntryType == models.LedgerEntryForfeiture && e.AccountID == beneficiary {
			found = true
		}
	}
	if !found {
		t.Error("no forfeiture ledger entry recorded")
	}
}

func TestExpireForfeitRejectedTransferRollsBackExpiry(t *testing.T) {
	f := newFixture(t)
	beneficiary := f.addAccount("backup@example.com", 0)
	f.setForfeitPolicy(beneficiary)
	task := f.createTask(150, time.Hour)

	if err := f.st.Accounts().SetActive(f.ctx, nil, beneficiary, false); err != nil {
		t.Fatalf("deactivate beneficiary: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	err := f.svc.ExpireTask(f.ctx, f.vault, task.ID)
	if !errors.Is(err, escrow.ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	// Forfeiture is atomic with the expiry: the task must still be pending.
	if got := f.getTask(task.ID); got.Status != models.TaskStatusPending {
		t.Errorf("status = %q, want pending after rollback", got.Status)
	}
	v := f.getVault()
	if v.Balance != 1000 || v.Committed != 150 {
		t.Errorf("balance/committed = %d/%d, want 1000/150", v.Balance, v.Committed)
	}
}

func TestPolicySnapshotIgnoresLaterPolicyChanges(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(30 * time.Minute)
	task := f.createTask(100, time.Hour)

	// Switching the vault policy must not affect the already-created task.
	beneficiary := f.addAccount("backup@example.com", 0)
	f.setForfeitPolicy(beneficiary)

	f.now = f.now.Add(2 * time.Hour)
	if err := f.svc.ExpireTask(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := f.accountBalance(beneficiary); got != 0 {
		t.Errorf("beneficiary balance = %d, want 0 (old snapshot applies)", got)
	}
	if got := f.getTask(task.ID); got.ClaimableAt == nil {
		t.Error("expected delayed-payment claimable_at from the snapshot")
	}
}

// ---------------------------------------------------------------------------
// Soonest-deadline pointer
// ---------------------------------------------------------------------------

func TestPointerTracksMinimumDeadline(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)

	t1 := f.createTask(10, 3*time.Hour)
	v := f.getVault()
	if !v.NextValid || v.NextTaskID != t1.ID {
		t.Fatalf("pointer = (%v, %d), want valid at task %d", v.NextValid, v.NextTaskID, t1.ID)
	}

	// Earlier deadline moves the pointer.
	t2 := f.createTask(10, time.Hour)
	v = f.getVault()
	if v.NextTaskID != t2.ID {
		t.Fatalf("pointer = %d, want %d after earlier task", v.NextTaskID, t2.ID)
	}

	// Later deadline leaves it alone.
	f.createTask(10, 5*time.Hour)
	v = f.getVault()
	if v.NextTaskID != t2.ID {
		t.Fatalf("pointer = %d, want %d after later task", v.NextTaskID, t2.ID)
	}

	// Completing the pointed-to task recomputes the minimum.
	if err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, t2.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	v = f.getVault()
	if !v.NextValid || v.NextTaskID != t1.ID {
		t.Fatalf("pointer = (%v, %d), want valid at task %d after recompute", v.NextValid, v.NextTaskID, t1.ID)
	}
}

func TestPointerResetsWhenLastPendingTaskLeaves(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(10, time.Hour)

	if err := f.svc.CancelTask(f.ctx, f.owner, f.vault, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v := f.getVault(); v.NextValid {
		t.Fatalf("pointer still valid at task %d, want invalid sentinel", v.NextTaskID)
	}
}

func TestPointerUnaffectedByNonPointedTaskLeaving(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	soon := f.createTask(10, time.Hour)
	late := f.createTask(10, 3*time.Hour)

	if err := f.svc.CancelTask(f.ctx, f.owner, f.vault, late.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v := f.getVault(); !v.NextValid || v.NextTaskID != soon.ID {
		t.Fatalf("pointer = (%v, %d), want valid at %d", v.NextValid, v.NextTaskID, soon.ID)
	}
}

// ---------------------------------------------------------------------------
// Upkeep surface
// ---------------------------------------------------------------------------

func TestCheckExpirySignal(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(10, time.Hour)

	needed, _, err := f.svc.CheckExpirySignal(f.ctx, f.vault)
	if err != nil || needed {
		t.Fatalf("signal before deadline = (%v, %v), want none", needed, err)
	}

	f.now = f.now.Add(2 * time.Hour)
	needed, taskID, err := f.svc.CheckExpirySignal(f.ctx, f.vault)
	if err != nil || !needed || taskID != task.ID {
		t.Fatalf("signal after deadline = (%v, %d, %v), want task %d", needed, taskID, err, task.ID)
	}
}

func TestPerformExpiryToleratesStaleSignal(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(10, time.Hour)

	// Signal captured, then the task is completed before perform runs.
	f.now = f.now.Add(2 * time.Hour)
	if err := f.svc.CompleteTask(f.ctx, f.owner, f.vault, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.svc.PerformExpiry(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("stale perform should be a no-op, got %v", err)
	}
	if got := f.getTask(task.ID); got.Status != models.TaskStatusCompleted {
		t.Errorf("status = %q, perform must not disturb a terminal task", got.Status)
	}

	// Unknown ids are equally ignorable.
	if err := f.svc.PerformExpiry(f.ctx, f.vault, 999); err != nil {
		t.Fatalf("perform on unknown task: %v", err)
	}
	if err := f.svc.PerformExpiry(f.ctx, uuid.New(), 1); err != nil {
		t.Fatalf("perform on unknown vault: %v", err)
	}
}

func TestPerformExpiryActsOnFreshSignal(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(10, time.Hour)
	f.now = f.now.Add(2 * time.Hour)

	if err := f.svc.PerformExpiry(f.ctx, f.vault, task.ID); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if got := f.getTask(task.ID); got.Status != models.TaskStatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Collaborator callback
// ---------------------------------------------------------------------------

func TestOnExpiredRequiresLink(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	task := f.createTask(10, time.Minute)
	f.now = f.now.Add(time.Hour)

	caller := f.addAccount("watcher@example.com", 0)
	err := f.svc.OnExpired(f.ctx, caller, f.vault, task.ID)
	if !errors.Is(err, ErrNotCollaborator) {
		t.Fatalf("expected ErrNotCollaborator, got %v", err)
	}

	if err := f.svc.LinkCollaborator(f.ctx, f.owner, f.vault, caller); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := f.svc.OnExpired(f.ctx, caller, f.vault, task.ID); err != nil {
		t.Fatalf("on-expired after link: %v", err)
	}
	if got := f.getTask(task.ID); got.Status != models.TaskStatusExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}
}

func TestLinkCollaboratorRequiresOwner(t *testing.T) {
	f := newFixture(t)
	stranger := f.addAccount("stranger@example.com", 0)
	err := f.svc.LinkCollaborator(f.ctx, stranger, f.vault, stranger)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Funding
// ---------------------------------------------------------------------------

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)

	// Owner needs account credits to deposit.
	if _, err := f.st.Accounts().Credit(f.ctx, nil, f.owner, 500); err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	if err := f.svc.Deposit(f.ctx, f.owner, f.vault, 300); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if v := f.getVault(); v.Balance != 1300 {
		t.Errorf("vault balance = %d, want 1300", v.Balance)
	}
	if got := f.accountBalance(f.owner); got != 200 {
		t.Errorf("owner balance = %d, want 200", got)
	}

	if err := f.svc.Withdraw(f.ctx, f.owner, f.vault, 1300); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if v := f.getVault(); v.Balance != 0 {
		t.Errorf("vault balance = %d, want 0", v.Balance)
	}
}

func TestWithdrawLimitedToUncommitted(t *testing.T) {
	f := newFixture(t)
	f.setDelayedPolicy(time.Hour)
	f.createTask(800, time.Hour)

	err := f.svc.Withdraw(f.ctx, f.owner, f.vault, 300)
	if !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := f.svc.Withdraw(f.ctx, f.owner, f.vault, 200); err != nil {
		t.Fatalf("withdraw within available: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Policy management
// ---------------------------------------------------------------------------

func TestSetPolicyValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.SetPolicy(f.ctx, f.owner, f.vault, "confiscate", 0, nil); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("unknown policy: got %v, want ErrInvalidPolicy", err)
	}
	if err := f.svc.SetPolicy(f.ctx, f.owner, f.vault, models.PolicyForfeitToBackup, 0, nil); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("forfeit without beneficiary: got %v, want ErrInvalidPolicy", err)
	}
	if err := f.svc.SetPolicy(f.ctx, f.owner, f.vault, models.PolicyDelayedPayment, -1, nil); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("negative delay: got %v, want ErrInvalidPolicy", err)
	}
}

// Package upkeep automates expiry. A periodic scan job finds vaults whose
// soonest-deadline pointer is overdue and enqueues one perform job per hit;
// the perform worker funnels into the stale-tolerant expiry path. No signal
// here is trusted to still hold when it is acted on.
package upkeep

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/taskvault/backend/internal/metrics"
	"github.com/taskvault/backend/internal/store"
)

// scanBatchSize bounds one scan cycle; anything left over is picked up by
// the next periodic run.
const scanBatchSize = 100

type ScanArgs struct{}

func (ScanArgs) Kind() string { return "upkeep_scan" }

type PerformArgs struct {
	VaultID uuid.UUID `json:"vault_id"`
	TaskID  int64     `json:"task_id"`
}

func (PerformArgs) Kind() string { return "upkeep_perform" }

// Expirer is the slice of the task service the perform worker needs.
type Expirer interface {
	PerformExpiry(ctx context.Context, vaultID uuid.UUID, taskID int64) error
}

// InsertPerformFunc enqueues a perform job. Wired to river's Insert after
// the client exists.
type InsertPerformFunc func(ctx context.Context, args PerformArgs) error

type ScanWorker struct {
	river.WorkerDefaults[ScanArgs]
	vaults  store.VaultStore
	insert  InsertPerformFunc
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewScanWorker(vaults store.VaultStore, insert InsertPerformFunc, m *metrics.Metrics, log *slog.Logger) *ScanWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ScanWorker{vaults: vaults, insert: insert, metrics: m, log: log, now: time.Now}
}

func (w *ScanWorker) Work(ctx context.Context, _ *river.Job[ScanArgs]) error {
	due, err := w.vaults.ListDue(ctx, nil, w.now(), scanBatchSize)
	if err != nil {
		return err
	}
	for _, p := range due {
		if err := w.insert(ctx, PerformArgs{VaultID: p.VaultID, TaskID: p.TaskID}); err != nil {
			return err
		}
	}
	w.metrics.UpkeepRun()
	if len(due) > 0 {
		w.log.Info("upkeep scan enqueued expiries", "count", len(due))
	}
	return nil
}

type PerformWorker struct {
	river.WorkerDefaults[PerformArgs]
	expirer Expirer
	log     *slog.Logger
}

func NewPerformWorker(expirer Expirer, log *slog.Logger) *PerformWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PerformWorker{expirer: expirer, log: log}
}

func (w *PerformWorker) Work(ctx context.Context, job *river.Job[PerformArgs]) error {
	return w.expirer.PerformExpiry(ctx, job.Args.VaultID, job.Args.TaskID)
}

// PeriodicScan declares the recurring scan job for river's periodic job
// config.
func PeriodicScan(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ScanArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/brickswap/backend/internal/ledger"
)

type ReconcileLedgerArgs struct{}

func (ReconcileLedgerArgs) Kind() string { return "reconcile_ledger" }

// AccountLister enumerates every account to audit.
type AccountLister interface {
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}

type UserReconciler interface {
	ReconcileUser(ctx context.Context, userID uuid.UUID) (*ledger.Report, error)
}

// SweepRecorder receives the result of each sweep.
type SweepRecorder interface {
	ObserveReconcile(mismatches int, err error)
}

// ReconcileLedgerWorker replays every account's log and reports accounts whose
// stored balance drifted. It only reads.
type ReconcileLedgerWorker struct {
	river.WorkerDefaults[ReconcileLedgerArgs]
	accounts   AccountLister
	reconciler UserReconciler
	recorder   SweepRecorder
	log        *slog.Logger
}

func NewReconcileLedgerWorker(accounts AccountLister, reconciler UserReconciler, recorder SweepRecorder, log *slog.Logger) *ReconcileLedgerWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileLedgerWorker{accounts: accounts, reconciler: reconciler, recorder: recorder, log: log}
}

// PeriodicReconcile schedules the sweep every interval, starting at boot.
func PeriodicReconcile(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return ReconcileLedgerArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

func (w *ReconcileLedgerWorker) Timeout(*river.Job[ReconcileLedgerArgs]) time.Duration {
	return 15 * time.Minute
}

func (w *ReconcileLedgerWorker) Work(ctx context.Context, job *river.Job[ReconcileLedgerArgs]) error {
	_, err := w.Sweep(ctx)
	return err
}

// Sweep audits all accounts and returns how many are inconsistent.
func (w *ReconcileLedgerWorker) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	ids, err := w.accounts.ListIDs(ctx)
	if err != nil {
		err = fmt.Errorf("list accounts: %w", err)
		w.record(0, err)
		return 0, err
	}

	mismatches := 0
	for _, id := range ids {
		rep, err := w.reconciler.ReconcileUser(ctx, id)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			err = fmt.Errorf("reconcile %s: %w", id, err)
			w.record(mismatches, err)
			return mismatches, err
		}
		if !rep.Consistent {
			mismatches++
			w.log.Error("ledger mismatch",
				"user_id", id,
				"stored_balance", rep.StoredBalance,
				"replayed_balance", rep.ReplayedBalance,
				"problem", rep.Problem,
			)
		}
	}
	w.record(mismatches, nil)
	w.log.Info("ledger reconciliation finished", "accounts", len(ids), "mismatches", mismatches, "elapsed", time.Since(start))
	return mismatches, nil
}

func (w *ReconcileLedgerWorker) record(mismatches int, err error) {
	if w.recorder != nil {
		w.recorder.ObserveReconcile(mismatches, err)
	}
}

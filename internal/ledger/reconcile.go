package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brickswap/backend/internal/models"
)

// ErrChainBroken is returned by Replay when an entry's balance_after does not
// follow from the previous balance and its delta.
var ErrChainBroken = errors.New("ledger chain broken")

// Replay folds chronologically ordered entries over the initial grant and
// returns the resulting balance and lifetime usage.
func Replay(initial int64, entries []*models.LedgerEntry) (balance, lifetimeUsed int64, err error) {
	balance = initial
	for _, e := range entries {
		if e.Delta == 0 {
			return balance, lifetimeUsed, fmt.Errorf("%w: entry %s has zero delta", ErrChainBroken, e.ID)
		}
		balance += e.Delta
		if e.Delta < 0 {
			lifetimeUsed -= e.Delta
		}
		if balance < 0 || balance != e.BalanceAfter {
			return balance, lifetimeUsed, fmt.Errorf("%w: entry %s balance_after %d, replayed %d", ErrChainBroken, e.ID, e.BalanceAfter, balance)
		}
	}
	return balance, lifetimeUsed, nil
}

// Report compares the stored account against a replay of its log.
type Report struct {
	UserID               uuid.UUID `json:"user_id"`
	Entries              int       `json:"entries"`
	InitialBalance       int64     `json:"initial_balance"`
	StoredBalance        int64     `json:"stored_balance"`
	ReplayedBalance      int64     `json:"replayed_balance"`
	StoredLifetimeUsed   int64     `json:"stored_lifetime_used"`
	ReplayedLifetimeUsed int64     `json:"replayed_lifetime_used"`
	Problem              string    `json:"problem,omitempty"`
	Consistent           bool      `json:"consistent"`
}

// SnapshotBeginner opens the read-only transaction an audit runs in.
type SnapshotBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type AccountReader interface {
	GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
}

type EntryReader interface {
	ListForUserChronological(ctx context.Context, tx pgx.Tx, userID uuid.UUID) ([]*models.LedgerEntry, error)
}

// Reconciler audits accounts against their logs. It never writes.
type Reconciler struct {
	pool     SnapshotBeginner
	accounts AccountReader
	entries  EntryReader
}

func NewReconciler(pool SnapshotBeginner, accounts AccountReader, entries EntryReader) *Reconciler {
	return &Reconciler{pool: pool, accounts: accounts, entries: entries}
}

// snapshotOpts gives the account read and the log read the same snapshot, so
// a mutation committing between them is seen by both or by neither.
var snapshotOpts = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (r *Reconciler) ReconcileUser(ctx context.Context, userID uuid.UUID) (*Report, error) {
	tx, err := r.pool.BeginTx(ctx, snapshotOpts)
	if err != nil {
		return nil, classify(fmt.Errorf("begin snapshot: %w", err))
	}
	defer tx.Rollback(ctx)

	acc, err := r.accounts.GetByIDTx(ctx, tx, userID)
	if err != nil {
		return nil, classify(err)
	}
	entries, err := r.entries.ListForUserChronological(ctx, tx, userID)
	if err != nil {
		return nil, classify(err)
	}

	rep := &Report{
		UserID:             userID,
		Entries:            len(entries),
		InitialBalance:     acc.InitialBalance,
		StoredBalance:      acc.Balance,
		StoredLifetimeUsed: acc.LifetimeUsed,
	}
	balance, used, err := Replay(acc.InitialBalance, entries)
	rep.ReplayedBalance, rep.ReplayedLifetimeUsed = balance, used
	switch {
	case err != nil:
		rep.Problem = err.Error()
	case balance != acc.Balance:
		rep.Problem = fmt.Sprintf("balance %d does not match replayed %d", acc.Balance, balance)
	case used != acc.LifetimeUsed:
		rep.Problem = fmt.Sprintf("lifetime_used %d does not match replayed %d", acc.LifetimeUsed, used)
	default:
		rep.Consistent = true
	}
	return rep, nil
}

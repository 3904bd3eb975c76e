package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brickswap/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the balance table. ApplyDelta must only be called with a
// transaction that already holds the row lock taken by LockForUpdate.
type AccountStore interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error)
	ApplyDelta(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int64) (balance, lifetimeUsed int64, err error)
}

// EntryLog is the append-only transaction log.
type EntryLog interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	// FindByIdempotencyKey returns nil, nil when no entry carries the key.
	FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (*models.LedgerEntry, error)
}

// Recorder receives one observation per mutation attempt.
type Recorder interface {
	ObserveMutation(action models.Action, outcome string, elapsed time.Duration)
}

// Mutator is the only legal entry point for balance changes.
type Mutator interface {
	Mutate(ctx context.Context, m Mutation) (*Result, error)
	MutateTx(ctx context.Context, tx pgx.Tx, m Mutation) (*Result, error)
}

// Mutation is a signed change to one user's balance.
type Mutation struct {
	UserID         uuid.UUID
	Delta          int64
	Action         models.Action
	Description    string
	IdempotencyKey string
}

func (m Mutation) validate() error {
	if m.Delta == 0 {
		return ErrInvalidAmount
	}
	if !m.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	return nil
}

// Result is the account state after a mutation. Replayed is set when the
// idempotency key matched an earlier entry and nothing was applied.
type Result struct {
	Balance      int64
	LifetimeUsed int64
	Entry        *models.LedgerEntry
	Replayed     bool
}

const (
	OutcomeApplied      = "applied"
	OutcomeReplayed     = "replayed"
	OutcomeInsufficient = "insufficient_balance"
	OutcomeRejected     = "rejected"
	OutcomeNotFound     = "not_found"
	OutcomeUnavailable  = "unavailable"
	OutcomeFailed       = "failed"
)

// Engine serializes mutations per account through the row lock and writes
// the balance update and its log entry in one transaction.
type Engine struct {
	pool     TxBeginner
	accounts AccountStore
	entries  EntryLog
	recorder Recorder
	log      *slog.Logger
	timeout  time.Duration
}

var _ Mutator = (*Engine)(nil)

type Option func(*Engine)

// WithTimeout bounds each self-managed mutation transaction.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(pool TxBeginner, accounts AccountStore, entries EntryLog, opts ...Option) *Engine {
	e := &Engine{pool: pool, accounts: accounts, entries: entries, timeout: 5 * time.Second}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Mutate applies m in its own transaction. On any error neither the balance
// nor the log has changed.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (res *Result, err error) {
	start := time.Now()
	defer func() { e.observe(m, res, err, start) }()

	if err := m.validate(); err != nil {
		return nil, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	res, err = e.apply(ctx, tx, m)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	return res, nil
}

// MutateTx applies m inside the caller's transaction so the debit and the
// caller's own writes commit or roll back together. On error the caller
// must roll back tx.
func (e *Engine) MutateTx(ctx context.Context, tx pgx.Tx, m Mutation) (res *Result, err error) {
	start := time.Now()
	defer func() { e.observe(m, res, err, start) }()

	if err := m.validate(); err != nil {
		return nil, err
	}
	return e.apply(ctx, tx, m)
}

func (e *Engine) apply(ctx context.Context, tx pgx.Tx, m Mutation) (*Result, error) {
	acc, err := e.accounts.LockForUpdate(ctx, tx, m.UserID)
	if err != nil {
		return nil, classify(err)
	}

	if m.IdempotencyKey != "" {
		prior, err := e.entries.FindByIdempotencyKey(ctx, tx, m.UserID, m.IdempotencyKey)
		if err != nil {
			return nil, classify(err)
		}
		if prior != nil {
			if prior.Action != m.Action || prior.Delta != m.Delta || prior.Description != m.Description {
				return nil, ErrIdempotencyConflict
			}
			return &Result{Balance: acc.Balance, LifetimeUsed: acc.LifetimeUsed, Entry: prior, Replayed: true}, nil
		}
	}

	if m.Delta < 0 && acc.Balance+m.Delta < 0 {
		return nil, ErrInsufficientBalance
	}

	balance, used, err := e.accounts.ApplyDelta(ctx, tx, m.UserID, m.Delta)
	if err != nil {
		return nil, classify(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("entry id: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:           id,
		UserID:       m.UserID,
		Action:       m.Action,
		Delta:        m.Delta,
		BalanceAfter: balance,
		Description:  m.Description,
	}
	if m.IdempotencyKey != "" {
		key := m.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if err := e.entries.Append(ctx, tx, entry); err != nil {
		return nil, classify(err)
	}
	return &Result{Balance: balance, LifetimeUsed: used, Entry: entry}, nil
}

func (e *Engine) observe(m Mutation, res *Result, err error, start time.Time) {
	outcome := outcomeOf(res, err)
	switch outcome {
	case OutcomeApplied, OutcomeReplayed, OutcomeInsufficient, OutcomeRejected:
	case OutcomeNotFound:
		e.log.Warn("ledger mutation for missing account", "user_id", m.UserID, "action", m.Action)
	default:
		e.log.Error("ledger mutation failed", "user_id", m.UserID, "action", m.Action, "delta", m.Delta, "error", err)
	}
	if e.recorder != nil {
		e.recorder.ObserveMutation(m.Action, outcome, time.Since(start))
	}
}

func outcomeOf(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return OutcomeReplayed
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, ErrInsufficientBalance):
		return OutcomeInsufficient
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrUnknownAction), errors.Is(err, ErrIdempotencyConflict):
		return OutcomeRejected
	case errors.Is(err, ErrAccountNotFound):
		return OutcomeNotFound
	case IsRetryable(err):
		return OutcomeUnavailable
	default:
		return OutcomeFailed
	}
}

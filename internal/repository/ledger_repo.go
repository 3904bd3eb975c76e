package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/models"
)

const entryColumns = `id, user_id, action, delta, balance_after, description, idempotency_key, created_at`

// LedgerRepo is the append-only ledger_entries log. Entries are never updated or deleted.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

var (
	_ ledger.EntryLog    = (*LedgerRepo)(nil)
	_ ledger.EntryReader = (*LedgerRepo)(nil)
)

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := row.Scan(&e.ID, &e.UserID, &e.Action, &e.Delta, &e.BalanceAfter, &e.Description, &e.IdempotencyKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*models.LedgerEntry, error) {
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Append inserts the entry inside the given transaction. clock_timestamp()
// is taken after the account row lock, so created_at follows lock order.
func (r *LedgerRepo) Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, action, delta, balance_after, description, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp())
		RETURNING created_at
	`, e.ID, e.UserID, e.Action, e.Delta, e.BalanceAfter, e.Description, e.IdempotencyKey).Scan(&e.CreatedAt)
}

func (r *LedgerRepo) FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, userID uuid.UUID, key string) (*models.LedgerEntry, error) {
	e, err := scanEntry(tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListForUser returns a page of entries, most recent first.
func (r *LedgerRepo) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListForUserChronological returns the full history oldest first, for replay.
// It reads inside tx so the caller can pair it with an account read.
func (r *LedgerRepo) ListForUserChronological(ctx context.Context, tx pgx.Tx, userID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// DailyTotals sums credits used and added per UTC day since the given time, newest day first.
func (r *LedgerRepo) DailyTotals(ctx context.Context, since time.Time) ([]*models.DailyTotal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COUNT(*),
			COALESCE(SUM(CASE WHEN delta < 0 THEN -delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0)
		FROM ledger_entries
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.DailyTotal
	for rows.Next() {
		var d models.DailyTotal
		if err := rows.Scan(&d.Date, &d.TransactionsCount, &d.TokensUsed, &d.TokensAdded); err != nil {
			return nil, err
		}
		list = append(list, &d)
	}
	return list, rows.Err()
}

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/models"
)

const accountColumns = `id, username, email, phone, password_hash, balance, lifetime_used, initial_balance, is_admin, last_login, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

var (
	_ ledger.AccountStore  = (*AccountRepo)(nil)
	_ ledger.AccountReader = (*AccountRepo)(nil)
)

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Phone, &a.PasswordHash, &a.Balance, &a.LifetimeUsed,
		&a.InitialBalance, &a.IsAdmin, &a.LastLogin, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create provisions an account whose balance and initial_balance are both the starting grant.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	a.InitialBalance = a.Balance
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (username, email, phone, password_hash, balance, initial_balance, is_admin)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		RETURNING id, created_at, updated_at
	`, a.Username, a.Email, a.Phone, a.PasswordHash, a.Balance, a.IsAdmin).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetByIDTx reads the account inside tx, seeing tx's snapshot.
func (r *AccountRepo) GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// GetBalance returns the authoritative balance.
func (r *AccountRepo) GetBalance(ctx context.Context, id uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	return balance, err
}

func (r *AccountRepo) TouchLogin(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE accounts SET last_login = now() WHERE id = $1`, id)
	return err
}

// ListSummaries returns every account with its post count, newest first.
func (r *AccountRepo) ListSummaries(ctx context.Context) ([]*models.AccountSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.username, a.email, a.phone, a.balance, a.lifetime_used, a.is_admin,
			a.last_login, a.created_at, a.updated_at, COUNT(p.id)
		FROM accounts a
		LEFT JOIN posts p ON p.user_id = a.id
		GROUP BY a.id
		ORDER BY a.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AccountSummary
	for rows.Next() {
		var s models.AccountSummary
		if err := rows.Scan(&s.ID, &s.Username, &s.Email, &s.Phone, &s.Balance, &s.LifetimeUsed, &s.IsAdmin,
			&s.LastLogin, &s.CreatedAt, &s.UpdatedAt, &s.PostsCount); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

// ListIDs returns all account ids; used by the reconciliation sweep.
func (r *AccountRepo) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// LockForUpdate locks the account row for the rest of tx.
func (r *AccountRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// ApplyDelta adds delta to the balance if the result stays non-negative.
// Debits also grow lifetime_used by the debited amount. Call after LockForUpdate in the same tx.
func (r *AccountRepo) ApplyDelta(ctx context.Context, tx pgx.Tx, id uuid.UUID, delta int64) (balance, lifetimeUsed int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1,
			lifetime_used = lifetime_used + CASE WHEN $1 < 0 THEN -$1 ELSE 0 END,
			updated_at = now()
		WHERE id = $2 AND balance + $1 >= 0
		RETURNING balance, lifetime_used
	`, delta, id).Scan(&balance, &lifetimeUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ledger.ErrInsufficientBalance
	}
	return balance, lifetimeUsed, err
}

// Overview computes the admin dashboard totals. Reporting only.
func (r *AccountRepo) Overview(ctx context.Context) (*models.Overview, error) {
	var o models.Overview
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM posts WHERE status = 'available'),
			(SELECT COUNT(*) FROM posts WHERE type = 'sell' AND status = 'available'),
			(SELECT COUNT(*) FROM posts WHERE type = 'buy' AND status = 'available'),
			(SELECT COALESCE(SUM(balance), 0) FROM accounts),
			(SELECT COALESCE(SUM(lifetime_used), 0) FROM accounts),
			(SELECT COUNT(*) FROM accounts WHERE last_login >= now() - INTERVAL '7 days')
	`).Scan(&o.TotalUsers, &o.ActivePosts, &o.SellPosts, &o.BuyPosts, &o.TotalTokensRemaining, &o.TotalTokensUsed, &o.ActiveUsers7d)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

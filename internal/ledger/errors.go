package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAccountNotFound is returned when no account exists for the user.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance is returned when a debit would take the balance below zero.
	// It is a user-facing condition, not a system failure.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount is returned for a zero delta or a non-positive grant.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrUnknownAction is returned for an action tag outside the known set.
	ErrUnknownAction = errors.New("unknown ledger action")
	// ErrIdempotencyConflict is returned when an idempotency key is reused for a different mutation.
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different mutation")
	// ErrStoreUnavailable wraps transient storage failures. Safe to retry.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrCommitFailed is returned when the mutation could not be committed. Safe to retry.
	ErrCommitFailed = errors.New("ledger commit failed")
)

// balanceCheckConstraint is the Postgres name of CHECK (balance >= 0) on accounts.
const balanceCheckConstraint = "accounts_balance_check"

// IsRetryable reports whether err is a transient ledger failure that left no durable effect.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrCommitFailed)
}

// classify maps storage errors onto the ledger taxonomy. Domain errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrAccountNotFound, ErrInsufficientBalance, ErrInvalidAmount,
		ErrUnknownAction, ErrIdempotencyConflict, ErrStoreUnavailable, ErrCommitFailed,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" && pgErr.ConstraintName == balanceCheckConstraint {
		return ErrInsufficientBalance
	}
	if transient(err) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("ledger: %w", err)
}

// WrapTransient marks timeouts, cancellations, lock and connection failures
// as ErrStoreUnavailable so callers outside the engine map them the same way.
func WrapTransient(err error) error {
	if err == nil || IsRetryable(err) || !transient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// transient reports whether err is a timeout, cancellation, lock or connection failure.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "57P01":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return false
}

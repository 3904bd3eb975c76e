package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		in        error
		want      error
		retryable bool
	}{
		{"domain error passes through", fmt.Errorf("lock: %w", ErrAccountNotFound), ErrAccountNotFound, false},
		{"balance check constraint", &pgconn.PgError{Code: "23514", ConstraintName: "accounts_balance_check"}, ErrInsufficientBalance, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ErrStoreUnavailable, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, ErrStoreUnavailable, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, ErrStoreUnavailable, true},
		{"deadline", context.DeadlineExceeded, ErrStoreUnavailable, true},
		{"canceled", context.Canceled, ErrStoreUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.in)
			if !errors.Is(got, tc.want) {
				t.Errorf("classify(%v) = %v, want %v", tc.in, got, tc.want)
			}
			if IsRetryable(got) != tc.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", got, IsRetryable(got), tc.retryable)
			}
		})
	}
}

func TestClassify_OtherCheckConstraint(t *testing.T) {
	got := classify(&pgconn.PgError{Code: "23514", ConstraintName: "ledger_entries_action_check"})
	if errors.Is(got, ErrInsufficientBalance) || IsRetryable(got) {
		t.Errorf("action check misclassified: %v", got)
	}
}

func TestClassify_UnknownErrorIsNotRetryable(t *testing.T) {
	in := &pgconn.PgError{Code: "42P01"}
	got := classify(in)
	if IsRetryable(got) {
		t.Errorf("undefined table should not be retryable: %v", got)
	}
	var pgErr *pgconn.PgError
	if !errors.As(got, &pgErr) {
		t.Error("original error lost")
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestWrapTransient(t *testing.T) {
	if got := WrapTransient(context.DeadlineExceeded); !errors.Is(got, ErrStoreUnavailable) || !errors.Is(got, context.DeadlineExceeded) {
		t.Errorf("deadline: got %v", got)
	}
	if got := WrapTransient(&pgconn.PgError{Code: "40P01"}); !IsRetryable(got) {
		t.Errorf("deadlock: got %v, want retryable", got)
	}
	plain := errors.New("foreign key violation")
	if got := WrapTransient(plain); got != plain {
		t.Errorf("non-transient error changed: %v", got)
	}
	wrapped := fmt.Errorf("%w: x", ErrCommitFailed)
	if got := WrapTransient(wrapped); got != wrapped {
		t.Errorf("already classified error changed: %v", got)
	}
	if WrapTransient(nil) != nil {
		t.Error("WrapTransient(nil) should be nil")
	}
}

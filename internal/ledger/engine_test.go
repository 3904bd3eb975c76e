package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/brickswap/backend/internal/models"
)

func newTestEngine(db *memDB, opts ...Option) *Engine {
	return NewEngine(db, db, db, opts...)
}

func mutation(userID uuid.UUID, delta int64, action models.Action) Mutation {
	return Mutation{UserID: userID, Delta: delta, Action: action, Description: "test"}
}

// ---------------------------------------------------------------------------
// Basic mutation flow
// ---------------------------------------------------------------------------

func TestMutate_CreditDebitThenInsufficient(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	e := newTestEngine(db)
	ctx := context.Background()

	res, err := e.Mutate(ctx, mutation(acc.ID, 1, models.ActionAdWatched))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if res.Balance != 4 {
		t.Errorf("after credit: got %d, want 4", res.Balance)
	}

	res, err = e.Mutate(ctx, mutation(acc.ID, -1, models.ActionPostCreate))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res.Balance != 3 || res.LifetimeUsed != 1 {
		t.Errorf("after debit: got balance %d used %d, want 3 and 1", res.Balance, res.LifetimeUsed)
	}

	_, err = e.Mutate(ctx, mutation(acc.ID, -5, models.ActionPostCreate))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw: expected ErrInsufficientBalance, got %v", err)
	}
	got := db.account(acc.ID)
	if got.Balance != 3 || got.LifetimeUsed != 1 {
		t.Errorf("after failed debit: got balance %d used %d, want 3 and 1", got.Balance, got.LifetimeUsed)
	}
	if n := len(db.entriesFor(acc.ID)); n != 2 {
		t.Errorf("entries: got %d, want 2", n)
	}
}

func TestMutate_ZeroDeltaRejected(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	e := newTestEngine(db)

	for _, action := range []models.Action{models.ActionAdminAdd, models.ActionAdWatched, models.ActionPostCreate, models.ActionPostEdit} {
		_, err := e.Mutate(context.Background(), mutation(acc.ID, 0, action))
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("%s: expected ErrInvalidAmount, got %v", action, err)
		}
	}
	if n := len(db.entriesFor(acc.ID)); n != 0 {
		t.Errorf("entries: got %d, want 0", n)
	}
}

func TestMutate_UnknownAction(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)

	_, err := newTestEngine(db).Mutate(context.Background(), mutation(acc.ID, 1, "gift"))
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if db.account(acc.ID).Balance != 3 {
		t.Error("balance changed on rejected action")
	}
}

func TestMutate_AccountNotFound(t *testing.T) {
	db := newMemDB()

	_, err := newTestEngine(db).Mutate(context.Background(), mutation(uuid.New(), 1, models.ActionAdminAdd))
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("not found must not be retryable")
	}
}

func TestMutate_EntryShape(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)

	res, err := newTestEngine(db).Mutate(context.Background(), Mutation{
		UserID: acc.ID, Delta: -1, Action: models.ActionPostEdit, Description: "edited post #42",
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	entries := db.entriesFor(acc.ID)
	if len(entries) != 1 {
		t.Fatalf("entries: got %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != res.Entry.ID || e.ID.Version() != 7 {
		t.Errorf("entry id: got %s (v%d), want UUIDv7 %s", e.ID, e.ID.Version(), res.Entry.ID)
	}
	if e.Delta != -1 || e.BalanceAfter != 2 || e.Action != models.ActionPostEdit || e.Description != "edited post #42" {
		t.Errorf("entry: got %+v", e)
	}
	if e.IdempotencyKey != nil {
		t.Errorf("idempotency key: got %q, want nil", *e.IdempotencyKey)
	}
	if e.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

// ---------------------------------------------------------------------------
// Invariants over sequences
// ---------------------------------------------------------------------------

func TestMutate_SequenceInvariants(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	e := newTestEngine(db)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	want, used := int64(3), int64(0)
	for i := 0; i < 300; i++ {
		var m Mutation
		switch rng.Intn(4) {
		case 0:
			m = mutation(acc.ID, int64(rng.Intn(5)+1), models.ActionAdminAdd)
		case 1:
			m = mutation(acc.ID, 1, models.ActionAdWatched)
		case 2:
			m = mutation(acc.ID, -1, models.ActionPostCreate)
		default:
			m = mutation(acc.ID, -int64(rng.Intn(4)+1), models.ActionPostEdit)
		}
		res, err := e.Mutate(ctx, m)
		switch {
		case err == nil:
			want += m.Delta
			if m.Delta < 0 {
				used -= m.Delta
			}
			if res.Balance != want {
				t.Fatalf("step %d: balance %d, want %d", i, res.Balance, want)
			}
		case errors.Is(err, ErrInsufficientBalance):
			if want+m.Delta >= 0 {
				t.Fatalf("step %d: rejected debit %d on balance %d", i, m.Delta, want)
			}
		default:
			t.Fatalf("step %d: %v", i, err)
		}
		if b := db.account(acc.ID).Balance; b < 0 {
			t.Fatalf("step %d: negative balance %d", i, b)
		}
	}

	got := db.account(acc.ID)
	if got.Balance != want {
		t.Errorf("balance: got %d, want %d", got.Balance, want)
	}
	if got.LifetimeUsed != used {
		t.Errorf("lifetime_used: got %d, want %d", got.LifetimeUsed, used)
	}

	entries, _ := db.ListForUserChronological(ctx, nil, acc.ID)
	balance, replayedUsed, err := Replay(got.InitialBalance, entries)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if balance != got.Balance || replayedUsed != got.LifetimeUsed {
		t.Errorf("replay: got %d/%d, want %d/%d", balance, replayedUsed, got.Balance, got.LifetimeUsed)
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestMutate_ConcurrentDebitsOnOneCredit(t *testing.T) {
	for run := 0; run < 20; run++ {
		acc := newAccount(1)
		db := newMemDB(acc)
		e := newTestEngine(db)

		start := make(chan struct{})
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = e.Mutate(context.Background(), mutation(acc.ID, -1, models.ActionPostCreate))
			}(i)
		}
		close(start)
		wg.Wait()

		ok, insufficient := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance):
				insufficient++
			default:
				t.Fatalf("run %d: unexpected error %v", run, err)
			}
		}
		if ok != 1 || insufficient != 1 {
			t.Fatalf("run %d: got %d ok and %d insufficient, want 1 and 1", run, ok, insufficient)
		}
		if b := db.account(acc.ID).Balance; b != 0 {
			t.Fatalf("run %d: balance %d, want 0", run, b)
		}
	}
}

func TestMutate_ConcurrentMixedLoad(t *testing.T) {
	acc := newAccount(10)
	db := newMemDB(acc)
	e := newTestEngine(db)

	const debits, credits = 40, 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := int64(0)
	for i := 0; i < debits+credits; i++ {
		delta := int64(-1)
		action := models.ActionPostCreate
		if i < credits {
			delta, action = 1, models.ActionAdWatched
		}
		wg.Add(1)
		go func(delta int64, action models.Action) {
			defer wg.Done()
			_, err := e.Mutate(context.Background(), mutation(acc.ID, delta, action))
			if err == nil {
				mu.Lock()
				applied += delta
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}(delta, action)
	}
	wg.Wait()

	got := db.account(acc.ID)
	if got.Balance != 10+applied {
		t.Errorf("balance: got %d, want %d", got.Balance, 10+applied)
	}
	if got.Balance < 0 {
		t.Errorf("negative balance %d", got.Balance)
	}
	entries, _ := db.ListForUserChronological(context.Background(), nil, acc.ID)
	if _, _, err := Replay(got.InitialBalance, entries); err != nil {
		t.Errorf("Replay after concurrent load: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Failure atomicity
// ---------------------------------------------------------------------------

func TestMutate_AppendFailureLeavesNoTrace(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	db.appendErr = &pgconn.PgError{Code: "57014"}

	_, err := newTestEngine(db).Mutate(context.Background(), mutation(acc.ID, -1, models.ActionPostCreate))
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}
	got := db.account(acc.ID)
	if got.Balance != 3 || got.LifetimeUsed != 0 {
		t.Errorf("account changed: %+v", got)
	}
	if n := len(db.entriesFor(acc.ID)); n != 0 {
		t.Errorf("entries: got %d, want 0", n)
	}
	if db.rollbacks != 1 {
		t.Errorf("rollbacks: got %d, want 1", db.rollbacks)
	}
}

func TestMutate_CommitFailure(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	db.commitErr = errors.New("connection reset")

	_, err := newTestEngine(db).Mutate(context.Background(), mutation(acc.ID, 1, models.ActionAdWatched))
	if !errors.Is(err, ErrCommitFailed) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrCommitFailed, got %v", err)
	}
	if b := db.account(acc.ID).Balance; b != 3 {
		t.Errorf("balance: got %d, want 3", b)
	}
	if n := len(db.entriesFor(acc.ID)); n != 0 {
		t.Errorf("entries: got %d, want 0", n)
	}
}

func TestMutate_BeginTimeout(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	db.beginErr = context.DeadlineExceeded

	_, err := newTestEngine(db).Mutate(context.Background(), mutation(acc.ID, 1, models.ActionAdWatched))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMutateTx_CallerRollbackUndoesDebit(t *testing.T) {
	acc := newAccount(2)
	db := newMemDB(acc)
	e := newTestEngine(db)
	ctx := context.Background()

	tx, _ := db.Begin(ctx)
	res, err := e.MutateTx(ctx, tx, mutation(acc.ID, -1, models.ActionPostCreate))
	if err != nil {
		t.Fatalf("MutateTx: %v", err)
	}
	if res.Balance != 1 {
		t.Errorf("in-tx balance: got %d, want 1", res.Balance)
	}
	// caller's own write fails, so it rolls back
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if b := db.account(acc.ID).Balance; b != 2 {
		t.Errorf("balance after rollback: got %d, want 2", b)
	}
	if n := len(db.entriesFor(acc.ID)); n != 0 {
		t.Errorf("entries after rollback: got %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func TestMutate_IdempotentReplay(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	e := newTestEngine(db)
	ctx := context.Background()

	m := mutation(acc.ID, 1, models.ActionAdWatched)
	m.IdempotencyKey = "ad-123"

	first, err := e.Mutate(ctx, m)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.Mutate(ctx, m)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || first.Replayed {
		t.Errorf("replayed flags: first %v second %v", first.Replayed, second.Replayed)
	}
	if second.Entry.ID != first.Entry.ID {
		t.Errorf("replay entry: got %s, want %s", second.Entry.ID, first.Entry.ID)
	}
	if b := db.account(acc.ID).Balance; b != 4 {
		t.Errorf("balance: got %d, want 4", b)
	}
	if n := len(db.entriesFor(acc.ID)); n != 1 {
		t.Errorf("entries: got %d, want 1", n)
	}
}

func TestMutate_IdempotencyConflict(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	e := newTestEngine(db)
	ctx := context.Background()

	m := mutation(acc.ID, 5, models.ActionAdminAdd)
	m.IdempotencyKey = "grant-1"
	if _, err := e.Mutate(ctx, m); err != nil {
		t.Fatalf("first: %v", err)
	}

	m.Delta = 7
	if _, err := e.Mutate(ctx, m); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if b := db.account(acc.ID).Balance; b != 8 {
		t.Errorf("balance: got %d, want 8", b)
	}
}

func TestMutate_IdempotencyConflictOnDescription(t *testing.T) {
	acc := newAccount(3)
	db := newMemDB(acc)
	e := newTestEngine(db)
	ctx := context.Background()

	m := mutation(acc.ID, -1, models.ActionPostEdit)
	m.IdempotencyKey = "k1"
	m.Description = "edited post #a"
	if _, err := e.Mutate(ctx, m); err != nil {
		t.Fatalf("first: %v", err)
	}

	m.Description = "edited post #b"
	if _, err := e.Mutate(ctx, m); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
	if n := len(db.entriesFor(acc.ID)); n != 1 {
		t.Errorf("entries: got %d, want 1", n)
	}
}

func TestMutate_IdempotencyKeysArePerUser(t *testing.T) {
	a, b := newAccount(1), newAccount(1)
	db := newMemDB(a, b)
	e := newTestEngine(db)

	for _, acc := range []*models.Account{a, b} {
		m := mutation(acc.ID, 1, models.ActionAdWatched)
		m.IdempotencyKey = "same-key"
		res, err := e.Mutate(context.Background(), m)
		if err != nil || res.Replayed {
			t.Fatalf("user %s: res %+v err %v", acc.ID, res, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

func TestMutate_RecordsOutcomes(t *testing.T) {
	acc := newAccount(0)
	db := newMemDB(acc)
	rec := &memRecorder{}
	e := newTestEngine(db, WithRecorder(rec))
	ctx := context.Background()

	_, _ = e.Mutate(ctx, mutation(acc.ID, 1, models.ActionAdWatched))
	_, _ = e.Mutate(ctx, mutation(acc.ID, -2, models.ActionPostCreate))
	_, _ = e.Mutate(ctx, mutation(acc.ID, 0, models.ActionPostCreate))
	_, _ = e.Mutate(ctx, mutation(uuid.New(), 1, models.ActionAdminAdd))

	want := []string{OutcomeApplied, OutcomeInsufficient, OutcomeRejected, OutcomeNotFound}
	got := rec.outcomes()
	if len(got) != len(want) {
		t.Fatalf("outcomes: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

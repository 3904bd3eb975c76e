package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/brickswap/backend/internal/models"
)

// --- noopTx satisfies pgx.Tx for test use. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// ---------------------------------------------------------------------------
// memDB is an in-memory stand-in for the accounts and ledger_entries tables.
// Each account has a row lock held from LockForUpdate until the owning memTx
// commits or rolls back. Writes are staged on the tx and applied on commit.
// ---------------------------------------------------------------------------

type memDB struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	entries  []*models.LedgerEntry
	rowLocks map[uuid.UUID]*sync.Mutex

	beginErr  error
	appendErr error
	commitErr error
	commits   int
	rollbacks int
}

func newMemDB(accs ...*models.Account) *memDB {
	db := &memDB{
		accounts: make(map[uuid.UUID]*models.Account),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
	}
	for _, a := range accs {
		db.add(a)
	}
	return db
}

func (db *memDB) add(a *models.Account) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *a
	cp.InitialBalance = a.Balance
	db.accounts[a.ID] = &cp
	db.rowLocks[a.ID] = &sync.Mutex{}
}

func newAccount(balance int64) *models.Account {
	return &models.Account{ID: uuid.New(), Username: "user", Balance: balance}
}

func (db *memDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return &memTx{db: db, staged: make(map[uuid.UUID]*models.Account)}, nil
}

func (db *memDB) account(id uuid.UUID) models.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.accounts[id]
}

func (db *memDB) entriesFor(id uuid.UUID) []*models.LedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range db.entries {
		if e.UserID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

type memTx struct {
	noopTx
	db      *memDB
	held    []uuid.UUID
	staged  map[uuid.UUID]*models.Account
	entries []*models.LedgerEntry
	closed  bool
}

func (tx *memTx) holds(id uuid.UUID) bool {
	for _, h := range tx.held {
		if h == id {
			return true
		}
	}
	return false
}

func (tx *memTx) release() {
	tx.db.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(tx.held))
	for _, id := range tx.held {
		locks = append(locks, tx.db.rowLocks[id])
	}
	tx.db.mu.Unlock()
	for _, l := range locks {
		l.Unlock()
	}
	tx.held = nil
	tx.closed = true
}

func (tx *memTx) Commit(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	if tx.db.commitErr != nil {
		tx.release()
		return tx.db.commitErr
	}
	tx.db.mu.Lock()
	for id, a := range tx.staged {
		cp := *a
		tx.db.accounts[id] = &cp
	}
	tx.db.entries = append(tx.db.entries, tx.entries...)
	tx.db.commits++
	tx.db.mu.Unlock()
	tx.release()
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.db.mu.Lock()
	tx.db.rollbacks++
	tx.db.mu.Unlock()
	tx.release()
	return nil
}

// --- AccountStore ---

func (db *memDB) LockForUpdate(_ context.Context, t pgx.Tx, id uuid.UUID) (*models.Account, error) {
	tx := t.(*memTx)
	db.mu.Lock()
	lock, ok := db.rowLocks[id]
	db.mu.Unlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	if !tx.holds(id) {
		lock.Lock()
		tx.held = append(tx.held, id)
	}
	if a, ok := tx.staged[id]; ok {
		cp := *a
		return &cp, nil
	}
	a := db.account(id)
	return &a, nil
}

func (db *memDB) ApplyDelta(_ context.Context, t pgx.Tx, id uuid.UUID, delta int64) (int64, int64, error) {
	tx := t.(*memTx)
	a, ok := tx.staged[id]
	if !ok {
		cur := db.account(id)
		a = &cur
	}
	if a.Balance+delta < 0 {
		return 0, 0, ErrInsufficientBalance
	}
	a.Balance += delta
	if delta < 0 {
		a.LifetimeUsed -= delta
	}
	tx.staged[id] = a
	return a.Balance, a.LifetimeUsed, nil
}

// --- EntryLog ---

func (db *memDB) Append(_ context.Context, t pgx.Tx, e *models.LedgerEntry) error {
	if db.appendErr != nil {
		return db.appendErr
	}
	tx := t.(*memTx)
	e.CreatedAt = time.Now()
	cp := *e
	tx.entries = append(tx.entries, &cp)
	return nil
}

func (db *memDB) FindByIdempotencyKey(_ context.Context, t pgx.Tx, userID uuid.UUID, key string) (*models.LedgerEntry, error) {
	tx := t.(*memTx)
	db.mu.Lock()
	all := append(append([]*models.LedgerEntry{}, db.entries...), tx.entries...)
	db.mu.Unlock()
	for _, e := range all {
		if e.UserID == userID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// --- SnapshotBeginner / AccountReader / EntryReader ---

// snapTx is a repeatable-read view: it copies committed state at begin.
type snapTx struct {
	noopTx
	accounts map[uuid.UUID]models.Account
	entries  []*models.LedgerEntry
}

func (db *memDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	st := &snapTx{accounts: make(map[uuid.UUID]models.Account, len(db.accounts))}
	for id, a := range db.accounts {
		st.accounts[id] = *a
	}
	for _, e := range db.entries {
		cp := *e
		st.entries = append(st.entries, &cp)
	}
	return st, nil
}

func (db *memDB) GetByIDTx(_ context.Context, t pgx.Tx, id uuid.UUID) (*models.Account, error) {
	if st, ok := t.(*snapTx); ok {
		a, ok := st.accounts[id]
		if !ok {
			return nil, ErrAccountNotFound
		}
		return &a, nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// ListForUserChronological reads the snapshot when t is a snapTx and
// committed state otherwise.
func (db *memDB) ListForUserChronological(_ context.Context, t pgx.Tx, id uuid.UUID) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	if st, ok := t.(*snapTx); ok {
		for _, e := range st.entries {
			if e.UserID == id {
				out = append(out, e)
			}
		}
	} else {
		out = db.entriesFor(id)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Recorder ---

type recordedMutation struct {
	action  models.Action
	outcome string
}

type memRecorder struct {
	mu  sync.Mutex
	obs []recordedMutation
}

func (r *memRecorder) ObserveMutation(action models.Action, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, recordedMutation{action, outcome})
}

func (r *memRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.obs))
	for i, o := range r.obs {
		out[i] = o.outcome
	}
	return out
}

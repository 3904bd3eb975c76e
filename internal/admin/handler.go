// Package admin serves the read-side dashboards and the admin credit grant.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/middleware"
	"github.com/brickswap/backend/internal/models"
	"github.com/brickswap/backend/internal/tokens"
	"github.com/brickswap/backend/internal/validation"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	dailyWindow         = 30 * 24 * time.Hour
)

type Accounts interface {
	ListSummaries(ctx context.Context) ([]*models.AccountSummary, error)
	Overview(ctx context.Context) (*models.Overview, error)
}

type Entries interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	DailyTotals(ctx context.Context, since time.Time) ([]*models.DailyTotal, error)
}

type Granter interface {
	AdminGrant(ctx context.Context, userID uuid.UUID, amount int64, description, idempotencyKey string) (*ledger.Result, error)
}

type Auditor interface {
	ReconcileUser(ctx context.Context, userID uuid.UUID) (*ledger.Report, error)
}

type GrantRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type GrantResponse struct {
	Message    string `json:"message"`
	OldBalance int64  `json:"old_balance"`
	NewBalance int64  `json:"new_balance"`
	Replayed   bool   `json:"replayed,omitempty"`
}

type Handler struct {
	accounts  Accounts
	entries   Entries
	granter   Granter
	auditor   Auditor
	validator *validation.Validator
	log       *slog.Logger
	now       func() time.Time
}

func NewHandler(accounts Accounts, entries Entries, granter Granter, auditor Auditor, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		accounts:  accounts,
		entries:   entries,
		granter:   granter,
		auditor:   auditor,
		validator: validator,
		log:       log,
		now:       time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/admin/users
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.accounts.ListSummaries(r.Context())
	if err != nil {
		h.log.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if list == nil {
		list = []*models.AccountSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/admin/users/{id}/add-tokens
func (h *Handler) AddTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var req GrantRequest
	if err := h.validator.Decode(validation.AdminGrant, body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.granter.AdminGrant(r.Context(), userID, req.Amount, req.Description, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeLedgerError(w, err, userID)
		return
	}
	admin := middleware.IdentityFromCtx(r.Context())
	if admin != nil {
		h.log.Info("admin granted credits", "admin_id", admin.UserID, "user_id", userID, "amount", req.Amount, "replayed", res.Replayed)
	}
	writeJSON(w, http.StatusOK, GrantResponse{
		Message:    "tokens added",
		OldBalance: res.Entry.BalanceAfter - res.Entry.Delta,
		NewBalance: res.Balance,
		Replayed:   res.Replayed,
	})
}

// GET /api/admin/users/{id}/token-history
func (h *Handler) TokenHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	limit, offset, err := tokens.PageParams(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.entries.ListForUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("token history failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if list == nil {
		list = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/admin/stats/daily-tokens
func (h *Handler) DailyTokens(w http.ResponseWriter, r *http.Request) {
	since := h.now().UTC().Add(-dailyWindow).Truncate(24 * time.Hour)
	list, err := h.entries.DailyTotals(r.Context(), since)
	if err != nil {
		h.log.Error("daily totals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	if list == nil {
		list = []*models.DailyTotal{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/admin/stats/overview
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	o, err := h.accounts.Overview(r.Context())
	if err != nil {
		h.log.Error("overview failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GET /api/admin/users/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	rep, err := h.auditor.ReconcileUser(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err, userID)
		return
	}
	if !rep.Consistent {
		h.log.Warn("ledger mismatch", "user_id", userID, "problem", rep.Problem)
	}
	writeJSON(w, http.StatusOK, rep)
}

func pathUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case ledger.IsRetryable(err):
		h.log.Warn("admin request hit a transient ledger failure", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry")
	default:
		h.log.Error("admin request failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

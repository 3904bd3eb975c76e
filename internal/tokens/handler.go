// Package tokens serves the caller's own publishing-credit endpoints.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/middleware"
	"github.com/brickswap/backend/internal/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Earner interface {
	AdWatched(ctx context.Context, userID uuid.UUID, idempotencyKey string) (*ledger.Result, error)
}

type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type HistoryReader interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
}

type EarnResponse struct {
	Earned     int64 `json:"earned"`
	NewBalance int64 `json:"new_balance"`
	Replayed   bool  `json:"replayed,omitempty"`
}

type BalanceResponse struct {
	Balance      int64 `json:"balance"`
	LifetimeUsed int64 `json:"lifetime_used"`
}

type Handler struct {
	earner   Earner
	accounts AccountReader
	history  HistoryReader
	log      *slog.Logger
}

func NewHandler(earner Earner, accounts AccountReader, history HistoryReader, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{earner: earner, accounts: accounts, history: history, log: log}
}

// Earn handles POST /api/tokens/earn: one credit per watched ad.
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.earner.AdWatched(r.Context(), id.UserID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeLedgerError(w, err, id.UserID)
		return
	}
	writeJSON(w, http.StatusOK, EarnResponse{Earned: ledger.AdRewardCredits, NewBalance: res.Balance, Replayed: res.Replayed})
}

// Balance handles GET /api/tokens/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	acc, err := h.accounts.GetByID(r.Context(), id.UserID)
	if err != nil {
		h.writeLedgerError(w, err, id.UserID)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: acc.Balance, LifetimeUsed: acc.LifetimeUsed})
}

// History handles GET /api/tokens/history?limit=&offset=, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, offset, err := PageParams(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.history.ListForUser(r.Context(), id.UserID, limit, offset)
	if err != nil {
		h.writeLedgerError(w, err, id.UserID)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// PageParams reads limit and offset from the query. A missing limit means def;
// limits above max are clamped.
func PageParams(r *http.Request, def, max int) (limit, offset int, err error) {
	limit = def
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		if limit > max {
			limit = max
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account missing")
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case ledger.IsRetryable(err):
		h.log.Warn("token request hit a transient ledger failure", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry")
	default:
		h.log.Error("token request failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
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

package posts

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/middleware"
	"github.com/brickswap/backend/internal/models"
	"github.com/brickswap/backend/internal/validation"
)

const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader lets a client retry a paid request without being charged twice.
const IdempotencyKeyHeader = "Idempotency-Key"

type CreatePostRequest struct {
	Type        string             `json:"type"`
	ContactInfo string             `json:"contact_info"`
	Notes       string             `json:"notes"`
	Items       []*models.PostItem `json:"items"`
}

type EditPostRequest struct {
	Items []models.PostItemUpdate `json:"items"`
}

type PostResponse struct {
	Post            *models.Post `json:"post"`
	RemainingTokens int64        `json:"remaining_tokens"`
}

type Handler struct {
	svc       Service
	validator *validation.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, validator *validation.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: validator, log: log}
}

// Create handles POST /api/posts. Costs one publishing credit.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreatePostRequest
	if !h.decode(w, r, validation.PostCreate, &req) {
		return
	}
	post, balance, err := h.svc.Create(r.Context(), id.UserID, CreateInput{
		Type:        req.Type,
		ContactInfo: req.ContactInfo,
		Notes:       req.Notes,
		Items:       req.Items,
	}, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.writeServiceError(w, err, id.UserID)
		return
	}
	writeJSON(w, http.StatusCreated, PostResponse{Post: post, RemainingTokens: balance})
}

// Edit handles PUT /api/posts/{id}. Costs one publishing credit.
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	var req EditPostRequest
	if !h.decode(w, r, validation.PostEdit, &req) {
		return
	}
	post, balance, err := h.svc.Edit(r.Context(), id.UserID, postID, req.Items, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.writeServiceError(w, err, id.UserID)
		return
	}
	writeJSON(w, http.StatusOK, PostResponse{Post: post, RemainingTokens: balance})
}

// Get handles GET /api/posts/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	post, err := h.svc.Get(r.Context(), postID)
	if err != nil {
		h.writeServiceError(w, err, uuid.Nil)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// ListMine handles GET /api/posts/mine.
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.svc.ListByUser(r.Context(), id.UserID)
	if err != nil {
		h.log.Error("list posts failed", "user_id", id.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	if list == nil {
		list = []*models.Post{}
	}
	writeJSON(w, http.StatusOK, list)
}

// List handles GET /api/posts?type=&status=, the public marketplace browse.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	f := models.PostFilter{Type: r.URL.Query().Get("type"), Status: r.URL.Query().Get("status")}
	if f.Type != "" && f.Type != models.PostTypeSell && f.Type != models.PostTypeBuy {
		writeError(w, http.StatusBadRequest, "type must be sell or buy")
		return
	}
	h.writeList(w, r, f)
}

// ListAll handles GET /api/posts/all-posts for admins: every post, any status.
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	h.writeList(w, r, models.PostFilter{})
}

func (h *Handler) writeList(w http.ResponseWriter, r *http.Request, f models.PostFilter) {
	list, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.log.Error("browse posts failed", "type", f.Type, "status", f.Status, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list posts")
		return
	}
	if list == nil {
		list = []*models.Post{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Delete handles DELETE /api/posts/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	postID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	if err := h.svc.Delete(r.Context(), id, postID); err != nil {
		h.writeServiceError(w, err, id.UserID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "post deleted"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if err := h.validator.Decode(schema, body, dst); err != nil {
		if errors.Is(err, validation.ErrValidation) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return false
		}
		h.log.Error("validate body", "schema", schema, "error", err)
		writeError(w, http.StatusInternalServerError, "validation failed")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, userID uuid.UUID) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "not enough publishing credits")
	case errors.Is(err, ErrPostNotFound):
		writeError(w, http.StatusNotFound, "post not found")
	case errors.Is(err, ErrItemNotInPost):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAlreadyPublished), errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account missing")
	case ledger.IsRetryable(err):
		h.log.Warn("post request hit a transient ledger failure", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry")
	default:
		h.log.Error("post request failed", "user_id", userID, "error", err)
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

package posts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/models"
	"github.com/brickswap/backend/internal/repository"
)

var (
	ErrPostNotFound = errors.New("post not found")
	// ErrItemNotInPost is returned by Edit when an update names an item of another post.
	ErrItemNotInPost = errors.New("item does not belong to this post")
	ErrForbidden     = errors.New("not allowed to modify this post")
	// ErrAlreadyPublished is returned when a create is retried with an idempotency key that already published a post.
	ErrAlreadyPublished = errors.New("post already published for this idempotency key")
)

// Store is the subset of the post repository the service needs.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Post) error
	GetOwnedForUpdate(ctx context.Context, tx pgx.Tx, postID, userID uuid.UUID) (*models.Post, error)
	UpdateItemTx(ctx context.Context, tx pgx.Tx, postID uuid.UUID, u models.PostItemUpdate) error
	TouchTx(ctx context.Context, tx pgx.Tx, postID uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Post, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Post, error)
	List(ctx context.Context, f models.PostFilter) ([]*models.Post, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Debits charges for publishing inside the caller's transaction. Satisfied by *ledger.Policy.
type Debits interface {
	PostCreated(ctx context.Context, tx pgx.Tx, userID uuid.UUID, idempotencyKey string) (*ledger.Result, error)
	PostEdited(ctx context.Context, tx pgx.Tx, userID, postID uuid.UUID, idempotencyKey string) (*ledger.Result, error)
}

type CreateInput struct {
	Type        string
	ContactInfo string
	Notes       string
	Items       []*models.PostItem
}

type Service interface {
	Create(ctx context.Context, userID uuid.UUID, in CreateInput, idempotencyKey string) (*models.Post, int64, error)
	Edit(ctx context.Context, userID, postID uuid.UUID, updates []models.PostItemUpdate, idempotencyKey string) (*models.Post, int64, error)
	Get(ctx context.Context, postID uuid.UUID) (*models.Post, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Post, error)
	List(ctx context.Context, f models.PostFilter) ([]*models.Post, error)
	Delete(ctx context.Context, caller *models.Identity, postID uuid.UUID) error
}

type service struct {
	pool      ledger.TxBeginner
	store     Store
	debits    Debits
	txTimeout time.Duration
	log       *slog.Logger
}

// NewService builds the post service. txTimeout bounds each paid transaction,
// including its row-lock waits; zero disables the bound.
func NewService(pool ledger.TxBeginner, store Store, debits Debits, txTimeout time.Duration, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{pool: pool, store: store, debits: debits, txTimeout: txTimeout, log: log}
}

func (s *service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.txTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.txTimeout)
}

var _ Service = (*service)(nil)

// Create debits one credit and inserts the post with its items in a single
// transaction. Returns the new post and the remaining balance.
func (s *service) Create(ctx context.Context, userID uuid.UUID, in CreateInput, idempotencyKey string) (*models.Post, int64, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: begin tx: %w", ledger.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	res, err := s.debits.PostCreated(ctx, tx, userID, idempotencyKey)
	if err != nil {
		return nil, 0, err
	}
	if res.Replayed {
		return nil, res.Balance, ErrAlreadyPublished
	}

	post := &models.Post{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        in.Type,
		ContactInfo: in.ContactInfo,
		Notes:       in.Notes,
		Status:      models.PostStatusAvailable,
		Items:       in.Items,
	}
	if err := s.store.CreateTx(ctx, tx, post); err != nil {
		return nil, 0, ledger.WrapTransient(fmt.Errorf("insert post: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ledger.ErrCommitFailed, err)
	}
	s.log.Info("post published", "user_id", userID, "post_id", post.ID, "items", len(post.Items), "balance", res.Balance)
	return post, res.Balance, nil
}

// Edit locks the caller's post, debits one credit and applies the item updates
// in a single transaction. Any item outside the post aborts the whole edit.
func (s *service) Edit(ctx context.Context, userID, postID uuid.UUID, updates []models.PostItemUpdate, idempotencyKey string) (*models.Post, int64, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: begin tx: %w", ledger.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.store.GetOwnedForUpdate(ctx, tx, postID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, ErrPostNotFound
		}
		return nil, 0, ledger.WrapTransient(fmt.Errorf("lock post: %w", err))
	}

	res, err := s.debits.PostEdited(ctx, tx, userID, postID, idempotencyKey)
	if err != nil {
		return nil, 0, err
	}
	if !res.Replayed {
		for _, u := range updates {
			if err := s.store.UpdateItemTx(ctx, tx, postID, u); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return nil, 0, fmt.Errorf("%w: %s", ErrItemNotInPost, u.ID)
				}
				return nil, 0, ledger.WrapTransient(fmt.Errorf("update item: %w", err))
			}
		}
		if err := s.store.TouchTx(ctx, tx, postID); err != nil {
			return nil, 0, ledger.WrapTransient(fmt.Errorf("touch post: %w", err))
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ledger.ErrCommitFailed, err)
		}
		s.log.Info("post edited", "user_id", userID, "post_id", postID, "items", len(updates), "balance", res.Balance)
	}

	post, err := s.store.GetByID(ctx, postID)
	if err != nil {
		return nil, 0, ledger.WrapTransient(fmt.Errorf("reload post: %w", err))
	}
	return post, res.Balance, nil
}

func (s *service) Get(ctx context.Context, postID uuid.UUID) (*models.Post, error) {
	p, err := s.store.GetByID(ctx, postID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPostNotFound
	}
	return p, err
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Post, error) {
	return s.store.ListByUser(ctx, userID)
}

// List returns posts matching f for browsing. No ledger effect.
func (s *service) List(ctx context.Context, f models.PostFilter) ([]*models.Post, error) {
	return s.store.List(ctx, f)
}

// Delete removes a post owned by the caller, or any post for an admin. Credits are not refunded.
func (s *service) Delete(ctx context.Context, caller *models.Identity, postID uuid.UUID) error {
	p, err := s.Get(ctx, postID)
	if err != nil {
		return err
	}
	if p.UserID != caller.UserID && !caller.IsAdmin {
		return ErrForbidden
	}
	if err := s.store.Delete(ctx, postID); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	s.log.Info("post deleted", "post_id", postID, "by", caller.UserID)
	return nil
}

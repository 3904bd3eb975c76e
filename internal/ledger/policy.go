package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brickswap/backend/internal/models"
)

// Fixed amounts for the event policies.
const (
	AdRewardCredits = 1
	PostCreateCost  = 1
	PostEditCost    = 1
)

// Policy maps application events onto ledger mutations with fixed shapes.
type Policy struct {
	engine Mutator
}

func NewPolicy(engine Mutator) *Policy {
	return &Policy{engine: engine}
}

// AdminGrant credits amount to the user. An empty description gets the default wording.
func (p *Policy) AdminGrant(ctx context.Context, userID uuid.UUID, amount int64, description, idempotencyKey string) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if description == "" {
		description = fmt.Sprintf("admin granted %d credits", amount)
	}
	return p.engine.Mutate(ctx, Mutation{
		UserID:         userID,
		Delta:          amount,
		Action:         models.ActionAdminAdd,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	})
}

// AdWatched rewards one credit for a watched ad.
func (p *Policy) AdWatched(ctx context.Context, userID uuid.UUID, idempotencyKey string) (*Result, error) {
	return p.engine.Mutate(ctx, Mutation{
		UserID:         userID,
		Delta:          AdRewardCredits,
		Action:         models.ActionAdWatched,
		Description:    fmt.Sprintf("watched an ad, earned %d publishing credit", AdRewardCredits),
		IdempotencyKey: idempotencyKey,
	})
}

// PostCreated debits the cost of publishing a post inside the caller's transaction.
func (p *Policy) PostCreated(ctx context.Context, tx pgx.Tx, userID uuid.UUID, idempotencyKey string) (*Result, error) {
	return p.engine.MutateTx(ctx, tx, Mutation{
		UserID:         userID,
		Delta:          -PostCreateCost,
		Action:         models.ActionPostCreate,
		Description:    "published a post",
		IdempotencyKey: idempotencyKey,
	})
}

// PostEdited debits the cost of editing postID inside the caller's transaction.
func (p *Policy) PostEdited(ctx context.Context, tx pgx.Tx, userID, postID uuid.UUID, idempotencyKey string) (*Result, error) {
	return p.engine.MutateTx(ctx, tx, Mutation{
		UserID:         userID,
		Delta:          -PostEditCost,
		Action:         models.ActionPostEdit,
		Description:    fmt.Sprintf("edited post #%s", postID),
		IdempotencyKey: idempotencyKey,
	})
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Action tags a ledger entry with the policy that produced it.
type Action string

const (
	ActionAdminAdd   Action = "admin_add"
	ActionAdWatched  Action = "ad_watched"
	ActionPostCreate Action = "post_create"
	ActionPostEdit   Action = "post_edit"
)

// Valid reports whether a is one of the known ledger actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdminAdd, ActionAdWatched, ActionPostCreate, ActionPostEdit:
		return true
	}
	return false
}

// LedgerEntry is one immutable balance change. BalanceAfter is the account
// balance immediately after Delta was applied.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Action         Action    `json:"action"`
	Delta          int64     `json:"tokens_changed"`
	BalanceAfter   int64     `json:"balance_after"`
	Description    string    `json:"description"`
	IdempotencyKey *string   `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// DailyTotal aggregates one calendar day of ledger activity.
type DailyTotal struct {
	Date              time.Time `json:"date"`
	TransactionsCount int64     `json:"transactions_count"`
	TokensUsed        int64     `json:"tokens_used"`
	TokensAdded       int64     `json:"tokens_added"`
}

// Overview is the admin dashboard headline numbers.
type Overview struct {
	TotalUsers           int64 `json:"total_users"`
	ActivePosts          int64 `json:"active_posts"`
	SellPosts            int64 `json:"sell_posts"`
	BuyPosts             int64 `json:"buy_posts"`
	TotalTokensRemaining int64 `json:"total_tokens_remaining"`
	TotalTokensUsed      int64 `json:"total_tokens_used"`
	ActiveUsers7d        int64 `json:"active_users_7d"`
}

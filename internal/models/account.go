package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultStartingCredits is the publishing-credit grant a newly registered account receives.
const DefaultStartingCredits = 3

type Account struct {
	ID             uuid.UUID  `json:"id"`
	Username       string     `json:"username"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone"`
	PasswordHash   string     `json:"-"`
	Balance        int64      `json:"tokens"`
	LifetimeUsed   int64      `json:"total_tokens_used"`
	InitialBalance int64      `json:"-"`
	IsAdmin        bool       `json:"is_admin"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AccountSummary is the admin listing row: an account plus its post count.
type AccountSummary struct {
	Account
	PostsCount int64 `json:"posts_count"`
}

// Identity is the authenticated caller carried by a validated token.
type Identity struct {
	UserID   uuid.UUID
	Username string
	IsAdmin  bool
}

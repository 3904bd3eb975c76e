package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PostTypeSell = "sell"
	PostTypeBuy  = "buy"

	PostStatusAvailable = "available"
)

// PostFilter narrows a post listing. Empty fields match everything.
type PostFilter struct {
	Type   string
	Status string
}

type Post struct {
	ID          uuid.UUID   `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	Username    string      `json:"username,omitempty"`
	Type        string      `json:"type"`
	ContactInfo string      `json:"contact_info"`
	Notes       string      `json:"notes"`
	Status      string      `json:"status"`
	Items       []*PostItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PostItem is one part line on a post. PricePerUnit is in cents.
type PostItem struct {
	ID           uuid.UUID `json:"id"`
	PostID       uuid.UUID `json:"post_id"`
	PartNumber   string    `json:"part_number"`
	PartName     *string   `json:"part_name,omitempty"`
	PartImageURL *string   `json:"part_image_url,omitempty"`
	Color        string    `json:"color"`
	Quantity     int       `json:"quantity"`
	PricePerUnit int64     `json:"price_per_unit"`
	Condition    *string   `json:"condition,omitempty"`
}

// PostItemUpdate is the editable part of a post item.
type PostItemUpdate struct {
	ID           uuid.UUID `json:"id"`
	Quantity     int       `json:"quantity"`
	PricePerUnit int64     `json:"price_per_unit"`
	Condition    *string   `json:"condition,omitempty"`
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brickswap/backend/internal/models"
)

// ErrNotFound is returned when a post or post item does not exist (or is not owned by the caller).
var ErrNotFound = errors.New("not found")

const (
	postColumns = `id, user_id, type, contact_info, notes, status, created_at, updated_at`
	itemColumns = `id, post_id, part_number, part_name, part_image_url, color, quantity, price_per_unit, condition`
)

type PostRepo struct {
	pool *pgxpool.Pool
}

func NewPostRepo(pool *pgxpool.Pool) *PostRepo {
	return &PostRepo{pool: pool}
}

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.UserID, &p.Type, &p.ContactInfo, &p.Notes, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateTx inserts the post and its items inside the given transaction.
func (r *PostRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Post) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO posts (id, user_id, type, contact_info, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, p.ID, p.UserID, p.Type, p.ContactInfo, p.Notes, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	for _, it := range p.Items {
		it.PostID = p.ID
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO post_items (id, post_id, part_number, part_name, part_image_url, color, quantity, price_per_unit, condition)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, it.ID, it.PostID, it.PartNumber, it.PartName, it.PartImageURL, it.Color, it.Quantity, it.PricePerUnit, it.Condition)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOwnedForUpdate locks the post row if userID owns it. Call within a transaction.
func (r *PostRepo) GetOwnedForUpdate(ctx context.Context, tx pgx.Tx, postID, userID uuid.UUID) (*models.Post, error) {
	return scanPost(tx.QueryRow(ctx, `
		SELECT `+postColumns+` FROM posts WHERE id = $1 AND user_id = $2 FOR UPDATE
	`, postID, userID))
}

// UpdateItemTx edits one item of postID. ErrNotFound if the item belongs to another post.
func (r *PostRepo) UpdateItemTx(ctx context.Context, tx pgx.Tx, postID uuid.UUID, u models.PostItemUpdate) error {
	tag, err := tx.Exec(ctx, `
		UPDATE post_items SET quantity = $1, price_per_unit = $2, condition = $3
		WHERE id = $4 AND post_id = $5
	`, u.Quantity, u.PricePerUnit, u.Condition, u.ID, postID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostRepo) TouchTx(ctx context.Context, tx pgx.Tx, postID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE posts SET updated_at = now() WHERE id = $1`, postID)
	return err
}

func (r *PostRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Post, error) {
	p, err := scanPost(r.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	p.Items, err = r.listItems(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Post, error) {
	return r.listPosts(ctx, `WHERE p.user_id = $1`, userID)
}

// List returns posts matching f, newest first, with their items and the owner's username.
func (r *PostRepo) List(ctx context.Context, f models.PostFilter) ([]*models.Post, error) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("p.type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("p.status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return r.listPosts(ctx, where, args...)
}

func (r *PostRepo) listPosts(ctx context.Context, where string, args ...any) ([]*models.Post, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.user_id, a.username, p.type, p.contact_info, p.notes, p.status, p.created_at, p.updated_at
		FROM posts p
		JOIN accounts a ON a.id = p.user_id
		`+where+`
		ORDER BY p.created_at DESC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*models.Post{}
	byID := make(map[uuid.UUID]*models.Post)
	for rows.Next() {
		p := &models.Post{Items: []*models.PostItem{}}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Username, &p.Type, &p.ContactInfo, &p.Notes, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return list, nil
	}

	ids := make([]uuid.UUID, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	items, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM post_items WHERE post_id = ANY($1) ORDER BY part_number
	`, ids)
	if err != nil {
		return nil, err
	}
	defer items.Close()
	for items.Next() {
		it, err := scanItem(items)
		if err != nil {
			return nil, err
		}
		if p, ok := byID[it.PostID]; ok {
			p.Items = append(p.Items, it)
		}
	}
	return list, items.Err()
}

func (r *PostRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM posts WHERE id = $1", id)
	return err
}

func scanItem(row pgx.Row) (*models.PostItem, error) {
	var it models.PostItem
	if err := row.Scan(&it.ID, &it.PostID, &it.PartNumber, &it.PartName, &it.PartImageURL, &it.Color, &it.Quantity, &it.PricePerUnit, &it.Condition); err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *PostRepo) listItems(ctx context.Context, postID uuid.UUID) ([]*models.PostItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+itemColumns+` FROM post_items WHERE post_id = $1 ORDER BY part_number
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.PostItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, it)
	}
	return list, rows.Err()
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// GetUserByEmail retrieves a user by email address (case-insensitive).
func (db *DB) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, email, full_name, is_active, is_superuser, created_at
		 FROM users WHERE lower(email) = lower($1)`, email,
	).Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.IsSuperuser, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, markUnavailable("get user by email", err)
	}
	return u, nil
}

// GetItemByID retrieves an item by ID.
func (db *DB) GetItemByID(ctx context.Context, id uuid.UUID) (model.Item, error) {
	var it model.Item
	err := db.pool.QueryRow(ctx,
		`SELECT id, title, description, owner_id, created_at
		 FROM items WHERE id = $1`, id,
	).Scan(&it.ID, &it.Title, &it.Description, &it.OwnerID, &it.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Item{}, ErrNotFound
		}
		return model.Item{}, markUnavailable("get item", err)
	}
	return it, nil
}

// ListItemsByOwner returns up to limit items owned by the given user.
func (db *DB) ListItemsByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, title, description, owner_id, created_at
		 FROM items WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, markUnavailable("list items", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &it.OwnerID, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SeedAdmin ensures a superuser account exists for the given email.
// Idempotent; runs at startup.
func (db *DB) SeedAdmin(ctx context.Context, email string) error {
	if email == "" {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, full_name, is_active, is_superuser, created_at)
		 VALUES ($1, $2, 'Admin', TRUE, TRUE, $3)
		 ON CONFLICT (email) DO NOTHING`,
		uuid.New(), email, time.Now().UTC(),
	)
	if err != nil {
		return markUnavailable("seed admin", err)
	}
	return nil
}

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
)

// Store is the read-only slice of the storage layer the data tools need.
// Satisfied by *storage.DB.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetItemByID(ctx context.Context, id uuid.UUID) (model.Item, error)
	ListItemsByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]model.Item, error)
}

// DataTools returns the database lookup tools bound to the given store.
func DataTools(store Store) []Tool {
	return []Tool{
		&userByEmailTool{store: store},
		&itemByIDTool{store: store},
		&userItemsTool{store: store},
	}
}

type userByEmailTool struct{ store Store }

func (t *userByEmailTool) Name() string { return "lookup_user_by_email" }

func (t *userByEmailTool) Description() string {
	return "Look up a user account by email address. Returns the user's id, name and status."
}

func (t *userByEmailTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"email": {"type": "string", "description": "Email address to look up"}
		},
		"required": ["email"]
	}`)
}

func (t *userByEmailTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errJSON(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if in.Email == "" {
		return errJSON("email is required"), nil
	}

	u, err := t.store.GetUserByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errJSON(fmt.Sprintf("no user with email %q", in.Email)), nil
		}
		return "", err
	}
	return toJSON(map[string]any{
		"id":        u.ID,
		"email":     u.Email,
		"full_name": u.FullName,
		"is_active": u.IsActive,
	}), nil
}

type itemByIDTool struct{ store Store }

func (t *itemByIDTool) Name() string { return "lookup_item_by_id" }

func (t *itemByIDTool) Description() string {
	return "Look up an inventory item by its UUID. Returns title, description and owner."
}

func (t *itemByIDTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"item_id": {"type": "string", "description": "UUID of the item"}
		},
		"required": ["item_id"]
	}`)
}

func (t *itemByIDTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errJSON(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	id, err := uuid.Parse(in.ItemID)
	if err != nil {
		return errJSON(fmt.Sprintf("item_id is not a valid UUID: %v", err)), nil
	}

	it, err := t.store.GetItemByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errJSON(fmt.Sprintf("no item with id %s", id)), nil
		}
		return "", err
	}
	return toJSON(map[string]any{
		"id":          it.ID,
		"title":       it.Title,
		"description": it.Description,
		"owner_id":    it.OwnerID,
	}), nil
}

type userItemsTool struct{ store Store }

func (t *userItemsTool) Name() string { return "lookup_user_items" }

func (t *userItemsTool) Description() string {
	return "List the items owned by a user, newest first."
}

func (t *userItemsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"user_id": {"type": "string", "description": "UUID of the owner"},
			"limit": {"type": "integer", "description": "Maximum items to return (default 10)"}
		},
		"required": ["user_id"]
	}`)
}

func (t *userItemsTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errJSON(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	id, err := uuid.Parse(in.UserID)
	if err != nil {
		return errJSON(fmt.Sprintf("user_id is not a valid UUID: %v", err)), nil
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}

	items, err := t.store.ListItemsByOwner(ctx, id, in.Limit)
	if err != nil {
		return "", err
	}
	out := make([]map[string]any, len(items))
	for i, it := range items {
		out[i] = map[string]any{
			"id":          it.ID,
			"title":       it.Title,
			"description": it.Description,
		}
	}
	return toJSON(map[string]any{"items": out, "count": len(out)}), nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// LoadThread retrieves a thread by ID. A thread that has never been saved
// is not an error: the caller gets an empty thread at version zero, and
// the first successful save creates the row.
func (db *DB) LoadThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var (
		t       model.Thread
		rawMsgs []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, messages, plan, version, created_at, updated_at
		 FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &rawMsgs, &t.Plan, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewThread(id), nil
		}
		return model.Thread{}, markUnavailable("load thread", err)
	}

	if err := json.Unmarshal(rawMsgs, &t.Messages); err != nil {
		return model.Thread{}, fmt.Errorf("storage: decode thread messages: %w", err)
	}
	return t, nil
}

// SaveThread persists a thread guarded by its optimistic-concurrency version.
// The write succeeds only if the stored version still equals t.Version:
// version zero creates the row, any other version updates it. On success the
// returned thread carries the incremented version. A lost race returns
// ErrVersionConflict and writes nothing.
func (db *DB) SaveThread(ctx context.Context, t model.Thread) (model.Thread, error) {
	if t.Messages == nil {
		t.Messages = []model.Message{}
	}
	rawMsgs, err := json.Marshal(t.Messages)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: encode thread messages: %w", err)
	}

	now := time.Now().UTC()

	if t.Version == 0 {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO threads (id, messages, plan, version, created_at, updated_at)
			 VALUES ($1, $2, $3, 1, $4, $4)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, rawMsgs, t.Plan, now,
		)
		if err != nil {
			return model.Thread{}, markUnavailable("create thread", err)
		}
		if tag.RowsAffected() == 0 {
			// The row appeared since the caller loaded version zero.
			return model.Thread{}, ErrVersionConflict
		}
		t.Version = 1
		t.CreatedAt = now
		t.UpdatedAt = now
		return t, nil
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE threads
		 SET messages = $1, plan = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND version = $5`,
		rawMsgs, t.Plan, now, t.ID, t.Version,
	)
	if err != nil {
		return model.Thread{}, markUnavailable("save thread", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Thread{}, ErrVersionConflict
	}
	t.Version++
	t.UpdatedAt = now
	return t, nil
}

// Package model defines the domain types shared across the Nagare server.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles. Tool results are carried as RoleTool messages in the
// stored history for inspection; only user and agent messages are replayed
// to the language model on later turns.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleTool  = "tool"
)

// MaxMessageLen bounds a single user message. Oversized input is rejected
// before the planner runs so it never reaches the model or the store.
const MaxMessageLen = 32 * 1024 // 32 KB

// Message is a single entry in a thread's conversation history.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`         // tool name for RoleTool messages
	ToolCallID string `json:"tool_call_id,omitempty"` // correlates a tool result with its request
}

// Thread is a durable conversation: the full message history plus the
// planner's scratch plan from the most recent turn. Version is the
// optimistic-concurrency token: a save only succeeds when the stored
// version still matches the version the thread was loaded with.
type Thread struct {
	ID        uuid.UUID `json:"id"`
	Messages  []Message `json:"messages"`
	Plan      *string   `json:"plan,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewThread returns an empty thread with the given ID at version zero.
// Saving a version-zero thread creates the row.
func NewThread(id uuid.UUID) Thread {
	now := time.Now().UTC()
	return Thread{ID: id, Messages: []Message{}, Version: 0, CreatedAt: now, UpdatedAt: now}
}

// ValidateUserMessage checks a user message before it enters a turn.
func ValidateUserMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message must not be empty")
	}
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

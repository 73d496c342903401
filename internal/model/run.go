package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the terminal outcome of a single agent invocation.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
	RunStatusTimeout RunStatus = "timeout"
)

// ValidRunStatus reports whether s is a known run status.
func ValidRunStatus(s string) bool {
	switch RunStatus(s) {
	case RunStatusSuccess, RunStatusError, RunStatusTimeout:
		return true
	}
	return false
}

// AgentRun is the immutable record of one completed agent invocation.
// Exactly one row is written per invocation that reaches the engine;
// admission-rejected requests are never recorded.
type AgentRun struct {
	ID               uuid.UUID `json:"id"`
	ThreadID         uuid.UUID `json:"thread_id"`
	UserID           string    `json:"user_id"`
	Input            string    `json:"input"`
	Output           string    `json:"output"`
	Status           RunStatus `json:"status"`
	LatencyMS        int64     `json:"latency_ms"`
	TraceID          *string   `json:"trace_id,omitempty"`
	PromptTokens     *int      `json:"prompt_tokens,omitempty"`
	CompletionTokens *int      `json:"completion_tokens,omitempty"`
	ErrorDetail      *string   `json:"error_detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TraceSpan is one captured span of an invocation trace, persisted for
// offline inspection. SpanID and ParentSpanID are 16-hex identifiers in
// the W3C trace-context format; TraceID is 32-hex.
type TraceSpan struct {
	ID           uuid.UUID      `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	Status       string         `json:"status"` // "ok" or "error"
	Attributes   map[string]any `json:"attributes,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
}

// EvaluationScore is one judge verdict for a (run, metric) pair.
// The (run_id, metric_name) pair is unique; re-evaluation never
// overwrites an existing score.
type EvaluationScore struct {
	ID         uuid.UUID `json:"id"`
	RunID      uuid.UUID `json:"run_id"`
	MetricName string    `json:"metric_name"`
	Score      float64   `json:"score"` // in [0, 1]
	Reasoning  string    `json:"reasoning"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a minimal account row read by the agent's lookup tools.
// Account management itself lives outside this service.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

// Item is a minimal inventory row read by the agent's lookup tools.
type Item struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

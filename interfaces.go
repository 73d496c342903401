package nagare

import (
	"context"
	"encoding/json"
)

// Tool is an agent capability offered to the language model.
// When provided via WithTool, it is registered alongside the built-in data
// and HTTP tools. Name must be unique across the registry; Schema is the
// JSON Schema for the tool's arguments object.
//
// Call returns the tool's result as a string the model can read. Failures
// the model should see (bad input, upstream errors) belong in the returned
// string, typically as a JSON object with an "error" key; a non-nil error
// is reserved for context cancellation and aborts the turn.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// ChatMessage is a single chat message sent to or received from the model.
type ChatMessage struct {
	Role       string
	Content    string
	Name       string         // tool name on tool-result messages
	ToolCallID string         // correlates a tool result with its request
	ToolCalls  []ChatToolCall // set on assistant messages that request tools
}

// ChatToolCall is a model request to invoke one tool.
type ChatToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ChatToolDef describes a tool offered to the model.
type ChatToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ChatRequest is one chat completion call.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int           // zero means provider default
	Tools       []ChatToolDef // empty disables tool calling
}

// ChatUsage is the token accounting reported by the provider.
type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResponse is the model's reply. When ToolCalls is non-empty the model
// wants tools invoked before it can produce a final answer.
type ChatResponse struct {
	Content    string
	ToolCalls  []ChatToolCall
	Usage      ChatUsage
	StopReason string
}

// ModelClient is a chat completion provider. When provided via
// WithModelClient, it replaces the built-in OpenAI-compatible HTTP client
// for both the agent engine and the evaluation judge. Implementations must
// be safe for concurrent use.
type ModelClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// EvalMetric names a quality dimension and the rubric the judge scores
// against.
type EvalMetric struct {
	Name   string
	Rubric string
}

// EvalScore is one judge verdict. Value must be in [0, 1].
type EvalScore struct {
	Value     float64
	Reasoning string
}

// Judge scores a single agent exchange against a metric.
// When provided via WithJudge, it replaces the built-in LLM judge for the
// evaluation pipeline. A returned error counts as a judge failure for that
// run and metric; the pipeline records it and moves on.
type Judge interface {
	Score(ctx context.Context, metric EvalMetric, input, output string) (EvalScore, error)
}

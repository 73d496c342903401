// Package llm defines the provider-agnostic chat completion contract used by
// the agent engine and the evaluation judge, plus an OpenAI-compatible
// implementation.
package llm

import (
	"context"
	"encoding/json"
)

// Chat roles in provider wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single chat message sent to or received from the model.
type Message struct {
	Role       string
	Content    string
	Name       string     // tool name on RoleTool messages
	ToolCallID string     // correlates a RoleTool result with its request
	ToolCalls  []ToolCall // set on assistant messages that request tools
}

// ToolCall is a model request to invoke one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for the arguments object
}

// Request is one chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int       // zero means provider default
	Tools       []ToolDef // empty disables tool calling
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the model's reply. When ToolCalls is non-empty the model wants
// tools invoked before it can produce a final answer.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Client is a chat completion provider. Implementations must be safe for
// concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Package tools defines the tool contract exposed to the agent's executor
// and the registry that dispatches model tool calls.
//
// Tool failures are data, not faults: Dispatch always returns a JSON string,
// and any error (unknown tool, malformed arguments, tool failure) is encoded
// as {"error": "..."} so the model can observe it and continue the turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nagare-ai/nagare/internal/llm"
)

// Tool is one capability the executor can invoke. Call returns a JSON
// string; implementations encode their own failures as {"error": "..."}
// and reserve the error return for context cancellation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds the tools offered to the model, in registration order.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools. Later tools with a
// duplicate name replace earlier ones.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if _, exists := r.tools[t.Name()]; !exists {
			r.order = append(r.order, t.Name())
		}
		r.tools[t.Name()] = t
	}
	return r
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }

// Definitions returns the tool definitions in registration order, for
// inclusion in a model request.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Dispatch invokes the named tool and returns its JSON result.
// Every failure mode is mapped to an {"error": "..."} payload; the only
// error return is a cancelled or expired context.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t, ok := r.tools[name]
	if !ok {
		return errJSON(fmt.Sprintf("unknown tool %q", name)), nil
	}
	if len(args) > 0 && !json.Valid(args) {
		return errJSON(fmt.Sprintf("tool %q: arguments are not valid JSON", name)), nil
	}

	result, err := t.Call(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return errJSON(fmt.Sprintf("tool %q: %v", name, err)), nil
	}
	return result, nil
}

// errJSON encodes a failure message as the structured error payload.
func errJSON(msg string) string {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error": "internal tool error"}`
	}
	return string(b)
}

// toJSON marshals a tool result, falling back to an error payload.
func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return errJSON(fmt.Sprintf("encode result: %v", err))
	}
	return string(b)
}

// Package mcp implements the Model Context Protocol surface for Nagare.
//
// The MCP server exposes the agent over MCP tools, letting MCP-compatible
// clients invoke turns and browse run history through the same engine and
// store the HTTP API uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
)

// Engine is the engine surface the MCP tools call.
// Satisfied by *engine.Engine.
type Engine interface {
	Execute(ctx context.Context, req engine.Request) (engine.Result, error)
}

// RunStore is the run history surface the MCP tools read.
// Satisfied by *storage.DB.
type RunStore interface {
	ListRuns(ctx context.Context, f storage.RunFilter) ([]model.AgentRun, int, error)
}

// Server wraps the MCP server with Nagare's agent engine.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    Engine
	store     RunStore
	logger    *slog.Logger
}

// New creates and configures an MCP server with the agent tools.
func New(eng Engine, store RunStore, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"nagare",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// nagare_run: one agent turn.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_run",
			mcplib.WithDescription(`Send a message to the Nagare agent and get its answer.

The agent plans first, then executes the plan with its data and HTTP tools.
Pass thread_id to continue an earlier conversation; omit it to start a new
thread. The returned thread_id identifies the conversation for follow-ups.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("message",
				mcplib.Description("The message to send to the agent"),
				mcplib.Required(),
			),
			mcplib.WithString("thread_id",
				mcplib.Description("Optional conversation thread UUID to continue"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Optional caller identity; defaults to 'mcp'"),
			),
		),
		s.handleRun,
	)

	// nagare_runs: run history.
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_runs",
			mcplib.WithDescription(`List past agent runs, newest first.

Supports filtering by thread, terminal status (success, error, timeout)
and free-text search over inputs and outputs.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("thread_id",
				mcplib.Description("Optional: only runs from this thread UUID"),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional: filter by terminal status (success, error, timeout)"),
			),
			mcplib.WithString("search",
				mcplib.Description("Optional: free-text search over inputs and outputs"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleRuns,
	)
}

func (s *Server) handleRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	message := request.GetString("message", "")
	if message == "" {
		return errorResult("message is required"), nil
	}

	userID := request.GetString("user_id", "")
	if userID == "" {
		userID = "mcp"
	}

	req := engine.Request{UserID: userID, Message: message}
	if v := request.GetString("thread_id", ""); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return errorResult("thread_id is not a valid UUID"), nil
		}
		req.ThreadID = &id
	}

	result, err := s.engine.Execute(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("agent run failed: %v", err)), nil
	}

	return textResult(map[string]any{
		"response":   result.Response,
		"thread_id":  result.ThreadID,
		"run_id":     result.RunID,
		"trace_id":   result.TraceID,
		"status":     result.Status,
		"latency_ms": result.LatencyMS,
	}), nil
}

func (s *Server) handleRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := storage.RunFilter{
		Status: request.GetString("status", ""),
		Search: request.GetString("search", ""),
		Limit:  request.GetInt("limit", 10),
	}
	if filter.Status != "" && !model.ValidRunStatus(filter.Status) {
		return errorResult(fmt.Sprintf("unknown status %q", filter.Status)), nil
	}
	if v := request.GetString("thread_id", ""); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return errorResult("thread_id is not a valid UUID"), nil
		}
		filter.ThreadID = &id
	}

	runs, total, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	return textResult(map[string]any{
		"runs":  runs,
		"total": total,
	}), nil
}

func textResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}

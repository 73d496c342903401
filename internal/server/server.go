package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nagare-ai/nagare/internal/ratelimit"
)

// Server is the Nagare HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer.
type Config struct {
	Handlers HandlersDeps

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitPerMin int
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Handlers)
	logger := cfg.Handlers.Logger

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	invokePerMin := cfg.RateLimitPerMin
	if invokePerMin <= 0 {
		invokePerMin = 60
	}

	// Rate limit rules. Invocations are the expensive path; history reads
	// get a wider budget and evaluation a much tighter one.
	invokeRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "invoke", Limit: invokePerMin, Window: time.Minute,
	}, ratelimit.UserKeyFunc, reqIDFunc)
	queryRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "query", Limit: 300, Window: time.Minute,
	}, ratelimit.UserKeyFunc, reqIDFunc)
	evalRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "evaluate", Limit: 10, Window: time.Minute,
	}, ratelimit.UserKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Agent invocation (rate limited per identity).
	mux.Handle("POST /v1/agent/run", invokeRL(http.HandlerFunc(h.HandleAgentRun)))

	// Run history.
	mux.Handle("GET /v1/agent/runs", queryRL(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/agent/runs/{run_id}", queryRL(http.HandlerFunc(h.HandleGetRun)))

	// On-demand evaluation (expensive, tight budget).
	mux.Handle("POST /v1/agent/evaluate", evalRL(http.HandlerFunc(h.HandleEvaluate)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → identity → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = identityMiddleware(handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   logger,
	}
}

// Handlers returns the underlying Handlers for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

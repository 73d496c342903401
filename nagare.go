// Package nagare is the public API for embedding the Nagare agent server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := nagare.New(
//	    nagare.WithVersion(version),
//	    nagare.WithLogger(logger),
//	    nagare.WithTool(myCustomTool{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: nagare (root) imports
// internal/*, but internal/* never imports nagare (root). Public extension
// types (Tool, Judge) are standalone interfaces with no internal imports;
// the adapters bridging them to internal packages live here because this is
// the only file that sees both sides of the boundary.
package nagare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nagare-ai/nagare/internal/config"
	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/eval"
	"github.com/nagare-ai/nagare/internal/llm"
	"github.com/nagare-ai/nagare/internal/mcp"
	"github.com/nagare-ai/nagare/internal/ratelimit"
	"github.com/nagare-ai/nagare/internal/recorder"
	"github.com/nagare-ai/nagare/internal/server"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/telemetry"
	"github.com/nagare-ai/nagare/internal/tools"
	"github.com/nagare-ai/nagare/internal/trace"
	"github.com/nagare-ai/nagare/migrations"
)

// App is the Nagare server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	buf          *trace.Buffer
	limiter      ratelimit.Limiter
	redisClient  *redis.Client // nil when Redis is not configured
	pipeline     *eval.Pipeline
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Nagare server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nagare starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures, not "already exists".
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Seed the bootstrap admin user so the data tools have a stable fixture.
	if err := db.SeedAdmin(context.Background(), cfg.AdminEmail); err != nil {
		logger.Warn("admin seed failed", "error", err)
	}

	// Model client: external override takes priority over the built-in
	// OpenAI-compatible HTTP client.
	var client llm.Client
	if o.modelClient != nil {
		client = modelClientAdapter{o.modelClient}
	} else {
		client = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	}

	// Tool registry: data lookups bound to storage, outbound HTTP, plus any
	// caller-registered tools.
	registered := tools.DataTools(db)
	registered = append(registered, tools.HTTPTools()...)
	for _, t := range o.extraTools {
		registered = append(registered, toolAdapter{t})
	}
	registry := tools.NewRegistry(registered...)

	// Span buffer and run recorder.
	buf := trace.NewBuffer(db, logger, cfg.SpanBufferSize, cfg.SpanFlushTimeout)
	rec := recorder.New(db, logger)

	// Agent engine.
	eng := engine.New(client, db, registry, rec, buf, logger, engine.Config{
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		MaxSteps:    cfg.AgentMaxSteps,
		Timeout:     cfg.AgentTimeout,
		SampleRate:  cfg.TraceSampleRate,
	})

	// Evaluation pipeline. The judge defaults to the configured eval model
	// on the same LLM endpoint; WithJudge replaces it.
	var judge eval.Judge
	if o.judge != nil {
		judge = judgeAdapter{o.judge}
	} else {
		judge = eval.NewLLMJudge(client, cfg.EvalModel)
	}
	pipeline := eval.New(db, judge, cfg.EvalWorkers, logger)

	// Rate limiter: Redis when configured (shared budget across replicas),
	// otherwise in-process.
	var limiter ratelimit.Limiter
	var redisClient *redis.Client
	if !cfg.RateLimitEnabled {
		limiter = ratelimit.Noop{}
		logger.Info("rate limiting: disabled")
	} else if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		limiter = ratelimit.NewRedis(redisClient, logger)
		logger.Info("rate limiting: redis (sliding window)", "per_min", cfg.RateLimitPerMin)
	} else {
		limiter = ratelimit.NewMemory()
		logger.Info("rate limiting: memory (fixed window)", "per_min", cfg.RateLimitPerMin)
	}

	// MCP server (mounted at /mcp by the HTTP server).
	mcpSrv := mcp.New(eng, db, version, logger)

	// HTTP server.
	srv := server.New(server.Config{
		Handlers: server.HandlersDeps{
			Engine:              eng,
			Evaluator:           pipeline,
			Store:               db,
			Buffer:              buf,
			Logger:              logger,
			Version:             version,
			ModelName:           cfg.LLMModel,
			ToolCount:           registry.Len(),
			TraceBaseURL:        cfg.TraceBaseURL,
			EvalWindow:          cfg.EvalWindow,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		Limiter:         limiter,
		MCPServer:       mcpSrv.MCPServer(),
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		buf:          buf,
		limiter:      limiter,
		redisClient:  redisClient,
		pipeline:     pipeline,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Evaluate runs the offline evaluation pipeline over runs from the given
// window. Exposed for the CLI; the HTTP surface calls the same pipeline.
func (a *App) Evaluate(ctx context.Context, window time.Duration) (eval.Report, error) {
	return a.pipeline.Run(ctx, window)
}

// Run starts the span buffer and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.buf.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight turns (they may
// still append spans to the buffer), (2) flush the span buffer to Postgres.
// It then closes the rate limiter, OTEL provider, and database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("nagare shutting down")

	// Phase 1: HTTP drain. In-flight agent turns are bounded by the engine
	// timeout, so give them that long plus headroom.
	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.AgentTimeout+5*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: span buffer drain.
	bufCtx, bufCancel := context.WithTimeout(ctx, 10*time.Second)
	a.buf.Drain(bufCtx)
	bufCancel()

	// Cleanup.
	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("limiter close error", "error", err)
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("nagare stopped")
	return nil
}

// toolAdapter bridges a public Tool into the internal registry.
type toolAdapter struct {
	t Tool
}

func (a toolAdapter) Name() string            { return a.t.Name() }
func (a toolAdapter) Description() string     { return a.t.Description() }
func (a toolAdapter) Schema() json.RawMessage { return a.t.Schema() }
func (a toolAdapter) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return a.t.Call(ctx, args)
}

// modelClientAdapter bridges a public ModelClient into the internal chat
// contract. Conversions are field-for-field; the public types exist so
// consumers never import internal packages.
type modelClientAdapter struct {
	c ModelClient
}

func (a modelClientAdapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	pub := ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    make([]ChatMessage, 0, len(req.Messages)),
		Tools:       make([]ChatToolDef, 0, len(req.Tools)),
	}
	for _, m := range req.Messages {
		pub.Messages = append(pub.Messages, ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  toPublicToolCalls(m.ToolCalls),
		})
	}
	for _, t := range req.Tools {
		pub.Tools = append(pub.Tools, ChatToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}

	resp, err := a.c.Complete(ctx, pub)
	if err != nil {
		return llm.Response{}, err
	}

	out := llm.Response{
		Content:    resp.Content,
		StopReason: resp.StopReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return out, nil
}

func toPublicToolCalls(calls []llm.ToolCall) []ChatToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ChatToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, ChatToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}

// judgeAdapter bridges a public Judge into the evaluation pipeline.
type judgeAdapter struct {
	j Judge
}

func (a judgeAdapter) Score(ctx context.Context, metric eval.Metric, input, output string) (eval.Score, error) {
	s, err := a.j.Score(ctx, EvalMetric{Name: metric.Name, Rubric: metric.Rubric}, input, output)
	if err != nil {
		return eval.Score{}, err
	}
	return eval.Score{Value: s.Value, Reasoning: s.Reasoning}, nil
}

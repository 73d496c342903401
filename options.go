package nagare

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	redisURL    string
	logger      *slog.Logger
	version     string
	modelClient ModelClient
	extraTools  []Tool
	judge       Judge
}

// WithPort overrides the TCP port from config (NAGARE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string from config (REDIS_URL
// env var). A non-empty value selects the Redis-backed rate limiter, which
// shares one budget across replicas.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithModelClient replaces the built-in OpenAI-compatible HTTP client for
// both the agent engine and the evaluation judge. Only the last call wins.
func WithModelClient(c ModelClient) Option {
	return func(o *resolvedOptions) { o.modelClient = c }
}

// WithTool registers an additional agent tool alongside the built-in data
// and HTTP tools. Multiple tools may be registered; all are offered to the
// model in registration order after the built-ins.
func WithTool(t Tool) Option {
	return func(o *resolvedOptions) { o.extraTools = append(o.extraTools, t) }
}

// WithJudge replaces the built-in LLM judge used by the evaluation pipeline.
// Only the last call wins.
func WithJudge(j Judge) Option {
	return func(o *resolvedOptions) { o.judge = j }
}

// Package ratelimit provides pluggable per-identity admission control.
//
// A Rule names a budget (prefix, limit, window); a Limiter answers whether
// one more request under a key fits the budget. The in-memory limiter
// covers single-instance deployments; the Redis limiter coordinates
// across instances. Limiter malfunctions fail open: blocking all traffic
// because the limiter is down is worse than briefly not limiting.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Rule describes one rate budget. Prefix namespaces the counters so the
// same key can be limited independently per route.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use and must fail open.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) Result

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Noop permits every request. Used when rate limiting is disabled.
type Noop struct{}

// Allow always admits, reporting a full budget.
func (Noop) Allow(_ context.Context, rule Rule, _ string) Result {
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   time.Now().Add(rule.Window),
	}
}

// Close is a no-op.
func (Noop) Close() error { return nil }

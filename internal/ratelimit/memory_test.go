package ratelimit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/ratelimit"
)

func TestMemoryLimiterBudget(t *testing.T) {
	limiter := ratelimit.NewMemory()
	defer func() { _ = limiter.Close() }()

	rule := ratelimit.Rule{Prefix: "invoke", Limit: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		result := limiter.Allow(context.Background(), rule, "user-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining, "remaining after request %d", i+1)
	}

	result := limiter.Allow(context.Background(), rule, "user-1")
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ResetAt.After(time.Now()), "ResetAt should be in the future")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	limiter := ratelimit.NewMemory()
	defer func() { _ = limiter.Close() }()

	rule := ratelimit.Rule{Prefix: "invoke", Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		assert.True(t, limiter.Allow(context.Background(), rule, "user-A").Allowed)
		assert.True(t, limiter.Allow(context.Background(), rule, "user-B").Allowed)
	}
	assert.False(t, limiter.Allow(context.Background(), rule, "user-A").Allowed)
	assert.False(t, limiter.Allow(context.Background(), rule, "user-B").Allowed)
	assert.True(t, limiter.Allow(context.Background(), rule, "user-C").Allowed)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	limiter := ratelimit.NewMemory()
	defer func() { _ = limiter.Close() }()

	rule := ratelimit.Rule{Prefix: "invoke", Limit: 2, Window: 100 * time.Millisecond}

	assert.True(t, limiter.Allow(context.Background(), rule, "user-X").Allowed)
	assert.True(t, limiter.Allow(context.Background(), rule, "user-X").Allowed)
	assert.False(t, limiter.Allow(context.Background(), rule, "user-X").Allowed)

	time.Sleep(150 * time.Millisecond)

	assert.True(t, limiter.Allow(context.Background(), rule, "user-X").Allowed,
		"request after window should be allowed")
}

func TestMemoryLimiterConcurrentNoOverAdmit(t *testing.T) {
	limiter := ratelimit.NewMemory()
	defer func() { _ = limiter.Close() }()

	rule := ratelimit.Rule{Prefix: "invoke", Limit: 50, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow(context.Background(), rule, "user-1").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed, "exactly the budget may be admitted")
}

func TestDifferentPrefixesAreIndependent(t *testing.T) {
	limiter := ratelimit.NewMemory()
	defer func() { _ = limiter.Close() }()

	invokeRule := ratelimit.Rule{Prefix: "invoke", Limit: 2, Window: time.Minute}
	listRule := ratelimit.Rule{Prefix: "list", Limit: 100, Window: time.Minute}

	for i := 0; i < 2; i++ {
		limiter.Allow(context.Background(), invokeRule, "user-1")
	}
	assert.False(t, limiter.Allow(context.Background(), invokeRule, "user-1").Allowed)

	result := limiter.Allow(context.Background(), listRule, "user-1")
	assert.True(t, result.Allowed)
	assert.Equal(t, 99, result.Remaining)
}

func TestNoopAllowsEverything(t *testing.T) {
	limiter := ratelimit.Noop{}
	rule := ratelimit.Rule{Prefix: "invoke", Limit: 1, Window: time.Minute}

	for i := 0; i < 100; i++ {
		result := limiter.Allow(context.Background(), rule, "user")
		require.True(t, result.Allowed)
		assert.Equal(t, 1, result.Remaining)
	}
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	result := ratelimit.Result{Allowed: true, Limit: 100, Remaining: 42, ResetAt: resetAt}

	headers := result.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, fmt.Sprintf("%d", resetAt.Unix()), headers["X-RateLimit-Reset"])
}

func TestMiddlewareRejectsWithEnvelope(t *testing.T) {
	limiter := ratelimit.NewMemory()
	defer func() { _ = limiter.Close() }()

	rule := ratelimit.Rule{Prefix: "mw", Limit: 1, Window: time.Minute}
	handler := ratelimit.MiddlewareWithRequestID(limiter, rule, ratelimit.UserKeyFunc,
		func(*http.Request) string { return "req-123" },
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/agent/run", nil)
	req.Header.Set("X-User-ID", "user-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-123", apiErr.Meta.RequestID)

	// A different identity is unaffected.
	other := httptest.NewRequest(http.MethodPost, "/v1/agent/run", nil)
	other.Header.Set("X-User-ID", "user-2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserKeyFuncFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:44321"
	assert.Equal(t, "10.0.0.9", ratelimit.UserKeyFunc(req))

	req.Header.Set("X-User-ID", "user-7")
	assert.Equal(t, "user-7", ratelimit.UserKeyFunc(req))
}

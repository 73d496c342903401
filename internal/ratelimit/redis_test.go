package ratelimit_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nagare-ai/nagare/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})

	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newRedisLimiter(t *testing.T) *ratelimit.RedisLimiter {
	t.Helper()
	return ratelimit.NewRedis(testRedis, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedisLimiterBudget(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	// Unique prefix per test so runs do not interfere.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("budget-%d", time.Now().UnixNano()),
		Limit:  5,
		Window: time.Minute,
	}

	for i := 0; i < 5; i++ {
		result := limiter.Allow(ctx, rule, "user-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining, "remaining after request %d", i+1)
	}

	result := limiter.Allow(ctx, rule, "user-1")
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ResetAt.After(time.Now()))
}

func TestRedisLimiterIndependentKeys(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("multi-%d", time.Now().UnixNano()),
		Limit:  3,
		Window: time.Minute,
	}

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, rule, "user-A").Allowed, "user-A request %d", i+1)
		assert.True(t, limiter.Allow(ctx, rule, "user-B").Allowed, "user-B request %d", i+1)
	}
	assert.False(t, limiter.Allow(ctx, rule, "user-A").Allowed)
	assert.False(t, limiter.Allow(ctx, rule, "user-B").Allowed)
}

func TestRedisLimiterWindowSlides(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("window-%d", time.Now().UnixNano()),
		Limit:  2,
		Window: 500 * time.Millisecond,
	}

	assert.True(t, limiter.Allow(ctx, rule, "user-X").Allowed)
	assert.True(t, limiter.Allow(ctx, rule, "user-X").Allowed)
	assert.False(t, limiter.Allow(ctx, rule, "user-X").Allowed)

	time.Sleep(600 * time.Millisecond)

	assert.True(t, limiter.Allow(ctx, rule, "user-X").Allowed,
		"request after window should be allowed")
}

func TestRedisLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	limiter := newRedisLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("concurrent-%d", time.Now().UnixNano()),
		Limit:  100,
		Window: time.Minute,
	}

	// Member IDs are microsecond timestamps, so two requests landing in
	// the same microsecond can collide; allow small variance.
	results := make(chan ratelimit.Result, 200)
	for i := 0; i < 200; i++ {
		go func() {
			results <- limiter.Allow(ctx, rule, "user")
		}()
	}

	allowed := 0
	for i := 0; i < 200; i++ {
		if (<-results).Allowed {
			allowed++
		}
	}
	assert.InDelta(t, 100, allowed, 5, "approximately the budget should be admitted")
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	closed := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer func() { _ = closed.Close() }()

	limiter := ratelimit.NewRedis(closed, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rule := ratelimit.Rule{Prefix: "failopen", Limit: 1, Window: time.Minute}

	for i := 0; i < 5; i++ {
		result := limiter.Allow(context.Background(), rule, "user")
		assert.True(t, result.Allowed, "limiter trouble must not block traffic")
	}
}

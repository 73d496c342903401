package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript atomically trims expired entries, checks the budget
// and records the request. Returns {allowed, count, oldest score}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]
local ttl_ms = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, cutoff)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = now
if oldest[2] then
	oldest_score = tonumber(oldest[2])
end

if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, ttl_ms)
	return {1, count + 1, oldest_score}
end
return {0, count, oldest_score}
`)

// RedisLimiter is a sliding-window limiter over a sorted set per key,
// shared by every instance pointed at the same Redis. Scores are
// microsecond timestamps; the set is trimmed to the window on every check.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis-backed limiter. The client is owned by the
// caller; Close here does not close it.
func NewRedis(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: logger}
}

// Allow checks and records one request. Redis errors fail open.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) Result {
	now := time.Now()
	nowMicro := now.UnixMicro()
	cutoff := now.Add(-rule.Window).UnixMicro()
	member := fmt.Sprintf("%d", nowMicro)
	redisKey := fmt.Sprintf("ratelimit:%s:%s", rule.Prefix, key)

	vals, err := slidingWindowScript.Run(ctx, l.client,
		[]string{redisKey},
		cutoff, rule.Limit, nowMicro, member, rule.Window.Milliseconds(),
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		l.logger.WarnContext(ctx, "rate limiter unavailable, failing open",
			slog.String("key", redisKey), slog.Any("error", err))
		return Result{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			ResetAt:   now.Add(rule.Window),
		}
	}

	allowed := vals[0] == 1
	count := int(vals[1])
	oldest := time.UnixMicro(vals[2])

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   oldest.Add(rule.Window),
	}
}

// Close is a no-op; the Redis client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// fixedWindow is the counter state for one (prefix, key) pair.
type fixedWindow struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is a fixed-window counter limiter for single-instance
// deployments. A background goroutine evicts expired windows every minute
// to bound memory; call Close to stop it.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*fixedWindow

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemory creates an in-memory limiter.
func NewMemory() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*fixedWindow),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one request against the key's current window.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) Result {
	k := rule.Prefix + ":" + key
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[k]
	if !ok || !now.Before(w.resetAt) {
		w = &fixedWindow{resetAt: now.Add(rule.Window)}
		m.windows[k] = w
	}

	if w.count >= rule.Limit {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - w.count,
		ResetAt:   w.resetAt,
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryLimiter) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
		}
	}
}

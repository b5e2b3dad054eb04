// Package ratelimit throttles MCP tool calls with per-tool token buckets.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLimited is returned by CheckLimit when a tool's bucket is empty.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter is a token bucket per key. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int     // bucket size and initial fill
	nowFunc func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter returns a limiter refilling rate tokens per second up to burst.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow takes one token from key's bucket and reports whether one was there.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), last: now}
		l.buckets[key] = b
	}

	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+l.rate*elapsed, float64(l.burst))
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// ToolLimiters maps tool names to their limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters returns the limits for the expstore MCP tools. Listing
// tools are cheap; expstore_read can scan a whole scope.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"expstore_scopes":  NewLimiter(1.0, 10),      // 60/minute, burst 10
		"expstore_designs": NewLimiter(1.0, 10),      // 60/minute, burst 10
		"expstore_sources": NewLimiter(1.0, 10),      // 60/minute, burst 10
		"expstore_stats":   NewLimiter(1.0, 10),      // 60/minute, burst 10
		"expstore_read":    NewLimiter(20.0/60.0, 5), // 20/minute, burst 5
	}
}

// CheckLimit returns an error wrapping ErrLimited when toolName is over its
// limit. Tools without a limiter are never limited.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}
	if !limiter.Allow(toolName) {
		return fmt.Errorf("%w for %s, please try again shortly", ErrLimited, toolName)
	}
	return nil
}

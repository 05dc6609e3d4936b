// Package ratelimit implements a token bucket ceiling on worker dispatches.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/adops/site-auditor/internal/metrics"
)

// Limiter enforces per-account dispatch ceilings. All dispatches for the same
// account key share one bucket.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	PerMinute float64
	Burst     int
}

// New creates a new Limiter. A non-positive PerMinute disables the ceiling.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerMinute / 60)
	if cfg.PerMinute <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Unlimited reports whether the limiter never blocks.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.defaultRate == rate.Inf
}

// Wait blocks until a token is available for the account, respecting the context.
func (l *Limiter) Wait(ctx context.Context, account string) error {
	if l.Unlimited() {
		return nil
	}
	if account == "" {
		account = "default"
	}
	l.mu.Lock()
	limiter, exists := l.limiters[account]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[account] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(waited)
	}
	return nil
}

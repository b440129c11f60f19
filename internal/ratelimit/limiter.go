package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Key identifies one rate-limited bucket.
type Key struct {
	Operation  string
	Identifier string
}

func (k Key) String() string { return k.Operation + ":" + k.Identifier }

// Rule is the per-call-site budget: at most Limit calls in any trailing Window.
type Rule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

func (r Rule) Validate() error {
	if r.Limit <= 0 || r.Window <= 0 {
		return fmt.Errorf("rate limit rule needs positive limit and window, got %d/%s", r.Limit, r.Window)
	}
	return nil
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected caller should wait, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return wait.Truncate(time.Second) + time.Second
}

// Store performs the atomic check-and-record for one key.
type Store interface {
	Allow(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error)
}

// Limiter is a sliding-window limiter over a shared Store.
type Limiter struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, now: time.Now, logger: logger}
}

// Allow records one call against key and reports whether it fits in rule.
func (l *Limiter) Allow(ctx context.Context, key Key, rule Rule) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}
	d, err := l.store.Allow(ctx, key.String(), rule, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key.Operation, err)
	}
	d.Limit = rule.Limit
	if !d.Allowed {
		l.logger.Warn("rate limited", "operation", key.Operation, "identifier", key.Identifier, "limit", rule.Limit)
	}
	return d, nil
}

// Now exposes the limiter clock so callers compute Retry-After consistently.
func (l *Limiter) Now() time.Time { return l.now() }

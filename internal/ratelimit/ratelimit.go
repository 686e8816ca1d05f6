// Package ratelimit implements token-bucket admission control keyed by an
// arbitrary string (normally the caller's address).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Defaults mirror a budget of 100 requests per 60 seconds.
const (
	DefaultCapacity        = 100
	DefaultRefillPerSecond = 100.0 / 60.0
)

var (
	// ErrThrottled marks a request rejected for lack of tokens.
	ErrThrottled = errors.New("rate limit exceeded")
	// ErrCostExceedsCapacity is returned when a single acquisition asks for
	// more tokens than a full bucket holds; it could never be admitted.
	ErrCostExceedsCapacity = errors.New("cost exceeds bucket capacity")
)

// Config describes every bucket a store manages.
type Config struct {
	Capacity        int
	RefillPerSecond float64
}

// DefaultConfig returns the default bucket shape.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, RefillPerSecond: DefaultRefillPerSecond}
}

// Validate checks that the bucket can ever admit a request.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit: capacity must be positive, got %d", c.Capacity)
	}
	if c.RefillPerSecond <= 0 || math.IsNaN(c.RefillPerSecond) || math.IsInf(c.RefillPerSecond, 0) {
		return fmt.Errorf("ratelimit: refill rate must be positive, got %v", c.RefillPerSecond)
	}
	return nil
}

// retryAfter is the time needed to refill deficit tokens, rounded up to the
// next millisecond so callers never retry early.
func (c Config) retryAfter(deficit float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	ms := math.Ceil(deficit / c.RefillPerSecond * 1000)
	return time.Duration(ms) * time.Millisecond
}

// idleTTL is how long an untouched bucket takes to refill completely. After
// that it is indistinguishable from a new bucket and may be dropped.
func (c Config) idleTTL() time.Duration {
	return time.Duration(math.Ceil(float64(c.Capacity)/c.RefillPerSecond*1000)) * time.Millisecond
}

// Decision is the result of one acquisition attempt.
type Decision struct {
	Admitted   bool
	Remaining  float64
	RetryAfter time.Duration
}

// Store performs the atomic refill-check-deduct step for one bucket. A
// rejected attempt must not deduct anything.
type Store interface {
	Take(ctx context.Context, key string, cost int, now time.Time) (Decision, error)
	Config() Config
}

// Limiter is the entry point used by the request pipeline.
type Limiter struct {
	store Store
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter over store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TryAcquire attempts to take cost tokens from the bucket for key. A cost
// below one is treated as one. Throttling is reported through the Decision,
// not as an error.
func (l *Limiter) TryAcquire(ctx context.Context, key string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	if cost > l.store.Config().Capacity {
		return Decision{}, fmt.Errorf("%w: cost %d, capacity %d", ErrCostExceedsCapacity, cost, l.store.Config().Capacity)
	}
	return l.store.Take(ctx, key, cost, l.now())
}

// Config returns the bucket shape of the underlying store.
func (l *Limiter) Config() Config {
	return l.store.Config()
}

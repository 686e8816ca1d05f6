package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps buckets in process memory. Each bucket is a
// rate.Limiter guarded by its own lock. The map lock is held in read mode
// while a bucket is used so that Sweep cannot drop a bucket that a
// concurrent Take is still deducting from.
type MemoryStore struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// bucket pins its clock to the latest time it has seen. Callers read the
// clock before they win the lock, so a request may arrive with a timestamp
// older than one already applied; rate.Limiter would rewind to it and
// refill the same interval twice.
type bucket struct {
	mu   sync.Mutex
	lim  *rate.Limiter
	last time.Time
}

func (b *bucket) clock(now time.Time) time.Time {
	if now.Before(b.last) {
		return b.last
	}
	b.last = now
	return now
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryStore{cfg: cfg, buckets: make(map[string]*bucket)}, nil
}

// Config returns the bucket shape.
func (s *MemoryStore) Config() Config { return s.cfg }

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, cost int, now time.Time) (Decision, error) {
	s.mu.RLock()
	b, ok := s.buckets[key]
	if ok {
		d := s.take(b, cost, now)
		s.mu.RUnlock()
		return d, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok = s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(s.cfg.RefillPerSecond), s.cfg.Capacity)}
		s.buckets[key] = b
	}
	return s.take(b, cost, now), nil
}

func (s *MemoryStore) take(b *bucket, cost int, now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	now = b.clock(now)
	lim := b.lim
	if lim.AllowN(now, cost) {
		return Decision{Admitted: true, Remaining: clampTokens(lim.TokensAt(now), s.cfg.Capacity)}
	}
	tokens := clampTokens(lim.TokensAt(now), s.cfg.Capacity)
	return Decision{
		Remaining:  tokens,
		RetryAfter: s.cfg.retryAfter(float64(cost) - tokens),
	}
}

func clampTokens(tokens float64, capacity int) float64 {
	if tokens < 0 {
		return 0
	}
	if c := float64(capacity); tokens > c {
		return c
	}
	return tokens
}

// Len returns the number of live buckets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Sweep drops buckets that have refilled completely. A full bucket behaves
// exactly like a missing one, so no admission decision changes.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, b := range s.buckets {
		at := now
		if at.Before(b.last) {
			at = b.last
		}
		if b.lim.TokensAt(at) >= float64(s.cfg.Capacity) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets on a ticker until ctx is cancelled. The interval
// defaults to the time a drained bucket needs to refill.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.idleTTL()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

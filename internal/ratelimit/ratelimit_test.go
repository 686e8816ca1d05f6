package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemoryLimiter(t *testing.T, capacity int, perSecond float64, clock *fakeClock) (*Limiter, *MemoryStore) {
	t.Helper()
	store, err := NewMemoryStore(Config{Capacity: capacity, RefillPerSecond: perSecond})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	return New(store, WithClock(clock.Now)), store
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig invalid: %v", err)
	}
	for _, c := range []Config{{0, 1}, {5, 0}, {5, -1}} {
		if err := c.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", c)
		}
	}
	if _, err := NewMemoryStore(Config{}); err == nil {
		t.Error("NewMemoryStore with zero config should fail")
	}
}

func TestBurstThenThrottle(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newMemoryLimiter(t, 5, 1, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := lim.TryAcquire(ctx, "ip:10.0.0.1", 1)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !d.Admitted {
			t.Fatalf("call %d throttled, want admitted", i+1)
		}
	}

	d, err := lim.TryAcquire(ctx, "ip:10.0.0.1", 1)
	if err != nil {
		t.Fatalf("6th call: %v", err)
	}
	if d.Admitted {
		t.Fatal("6th call admitted, want throttled")
	}
	if d.RetryAfter < 900*time.Millisecond || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want about 1s", d.RetryAfter)
	}

	// A different key has its own bucket.
	if d, _ := lim.TryAcquire(ctx, "ip:10.0.0.2", 1); !d.Admitted {
		t.Error("other key should be admitted")
	}

	clock.Advance(time.Second)
	if d, _ := lim.TryAcquire(ctx, "ip:10.0.0.1", 1); !d.Admitted {
		t.Error("call after 1s refill should be admitted")
	}
}

func TestRejectedAttemptDoesNotDeduct(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newMemoryLimiter(t, 3, 1, clock)
	ctx := context.Background()

	if d, _ := lim.TryAcquire(ctx, "k", 2); !d.Admitted {
		t.Fatal("first acquire of 2 should pass")
	}
	d, _ := lim.TryAcquire(ctx, "k", 2)
	if d.Admitted {
		t.Fatal("second acquire of 2 with 1 token left should be throttled")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %v, want 1", d.Remaining)
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", d.RetryAfter)
	}
	if d, _ := lim.TryAcquire(ctx, "k", 1); !d.Admitted {
		t.Error("the remaining token should still be available")
	}
}

func TestStaleTimestampDoesNotRefillTwice(t *testing.T) {
	store, err := NewMemoryStore(Config{Capacity: 2, RefillPerSecond: 1})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := t0.Add(time.Second)

	if d, _ := store.Take(ctx, "k", 2, later); !d.Admitted {
		t.Fatal("full bucket should admit 2")
	}
	// A request that read the clock before the previous one took the lock.
	d, _ := store.Take(ctx, "k", 1, t0)
	if d.Admitted {
		t.Fatal("stale timestamp admitted against an empty bucket")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", d.RetryAfter)
	}
	if d, _ := store.Take(ctx, "k", 1, later); d.Admitted {
		t.Error("the interval t0..later was refilled a second time")
	}
	if d, _ := store.Take(ctx, "k", 1, later.Add(time.Second)); !d.Admitted {
		t.Error("one token should be back after a second")
	}
}

func TestCostAboveCapacity(t *testing.T) {
	lim, _ := newMemoryLimiter(t, 2, 1, newFakeClock())
	if _, err := lim.TryAcquire(context.Background(), "k", 3); !errors.Is(err, ErrCostExceedsCapacity) {
		t.Errorf("err = %v, want ErrCostExceedsCapacity", err)
	}
}

func TestTokensStayWithinBounds(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newMemoryLimiter(t, 5, 1, clock)
	ctx := context.Background()

	// A long idle period never refills past capacity.
	clock.Advance(time.Hour)
	admitted := 0
	for i := 0; i < 10; i++ {
		d, _ := lim.TryAcquire(ctx, "k", 1)
		if d.Remaining < 0 || d.Remaining > 5 {
			t.Fatalf("Remaining = %v, outside [0,5]", d.Remaining)
		}
		if d.Admitted {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("admitted = %d after idle hour, want 5", admitted)
	}
}

func TestAdmittedCountBoundedOverWindow(t *testing.T) {
	clock := newFakeClock()
	lim, _ := newMemoryLimiter(t, 5, 2, clock)
	ctx := context.Background()

	window := 10 * time.Second
	step := 50 * time.Millisecond
	admitted := 0
	for elapsed := time.Duration(0); elapsed <= window; elapsed += step {
		for i := 0; i < 3; i++ {
			if d, _ := lim.TryAcquire(ctx, "k", 1); d.Admitted {
				admitted++
			}
		}
		clock.Advance(step)
	}
	limit := 5 + int(2*window.Seconds())
	if admitted > limit {
		t.Errorf("admitted %d over %v, limit %d", admitted, window, limit)
	}
}

func TestConcurrentLastToken(t *testing.T) {
	for round := 0; round < 20; round++ {
		clock := newFakeClock()
		lim, _ := newMemoryLimiter(t, 3, 0.001, clock)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if d, _ := lim.TryAcquire(ctx, "shared", 1); !d.Admitted {
				t.Fatal("setup acquire throttled")
			}
		}

		var admitted atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if d, err := lim.TryAcquire(ctx, "shared", 1); err == nil && d.Admitted {
					admitted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		if got := admitted.Load(); got != 1 {
			t.Fatalf("round %d: %d callers admitted for the last token, want 1", round, got)
		}
	}
}

func TestSweepDropsOnlyFullBuckets(t *testing.T) {
	clock := newFakeClock()
	lim, store := newMemoryLimiter(t, 2, 1, clock)
	ctx := context.Background()

	lim.TryAcquire(ctx, "a", 2)
	clock.Advance(time.Second)
	lim.TryAcquire(ctx, "b", 2)

	if n := store.Sweep(clock.Now()); n != 0 {
		t.Errorf("Sweep removed %d buckets, want 0", n)
	}
	clock.Advance(time.Second)
	if n := store.Sweep(clock.Now()); n != 1 {
		t.Errorf("Sweep removed %d buckets, want 1 (bucket a refilled)", n)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
	d, _ := lim.TryAcquire(ctx, "b", 1)
	if !d.Admitted || d.Remaining != 0 {
		t.Errorf("bucket b lost its state: %+v", d)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TOLLGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TOLLGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "tollgate:test:" + time.Now().Format("150405.000000") + ":"
	store, err := NewRedisStore(client, Config{Capacity: 5, RefillPerSecond: 1}, prefix)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	clock := newFakeClock()
	lim := New(store, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := lim.TryAcquire(ctx, "k", 1)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !d.Admitted {
			t.Fatalf("call %d throttled", i+1)
		}
	}
	d, err := lim.TryAcquire(ctx, "k", 1)
	if err != nil {
		t.Fatalf("6th call: %v", err)
	}
	if d.Admitted || d.RetryAfter != time.Second {
		t.Errorf("6th call = %+v, want throttled with 1s retry", d)
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	clock.Advance(time.Second)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := lim.TryAcquire(ctx, "k", 1); err == nil && d.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if admitted.Load() != 1 {
		t.Errorf("concurrent admits = %d, want 1", admitted.Load())
	}
}

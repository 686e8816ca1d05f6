package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and deducts in one server-side step, so concurrent
// callers on any number of instances see a single atomic bucket.
//
// KEYS[1] bucket key
// ARGV    capacity, tokens per millisecond, now (unix ms), cost, ttl (ms)
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore keeps buckets in Redis hashes for deployments with more than
// one instance. Bucket timestamps come from the caller's clock, so instances
// should run with synchronised clocks.
type RedisStore struct {
	client redis.Scripter
	cfg    Config
	prefix string
}

// NewRedisStore creates a store over any go-redis client.
func NewRedisStore(client redis.Scripter, cfg Config, prefix string) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "tollgate:bucket:"
	}
	return &RedisStore{client: client, cfg: cfg, prefix: prefix}, nil
}

// Config returns the bucket shape.
func (s *RedisStore) Config() Config { return s.cfg }

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, cost int, now time.Time) (Decision, error) {
	ttl := s.cfg.idleTTL()
	if ttl < time.Second {
		ttl = time.Second
	}
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		s.cfg.Capacity,
		s.cfg.RefillPerSecond/1000,
		now.UnixMilli(),
		cost,
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: parse tokens %q: %w", raw, err)
	}
	tokens = clampTokens(tokens, s.cfg.Capacity)
	if allowed == 1 {
		return Decision{Admitted: true, Remaining: tokens}, nil
	}
	return Decision{Remaining: tokens, RetryAfter: s.cfg.retryAfter(float64(cost) - tokens)}, nil
}

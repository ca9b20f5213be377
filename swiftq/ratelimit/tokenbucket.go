// Package ratelimit provides a distributed token bucket used to throttle
// producer-side Send calls per queue, independent of the Postgres-native
// singleton/debounce bucket (spec.md §4.1's Design Note on options split
// between admission-time validation and runtime throttling). Adapted from
// the teacher's internal/ratelimit package: same Lua script and Redis
// hash layout, repurposed from a generic per-request limiter to a
// per-queue producer gate keyed "swiftq:throttle:<queue>".
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// A nil client or non-positive capacity disables throttling: Allow
// always reports true (spec.md's Config.RateLimitCapacity == 0 "off").
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Enabled reports whether this bucket actually throttles.
func (b *TokenBucket) Enabled() bool {
	return b != nil && b.client != nil && b.capacity > 0
}

// Allow consumes a single token for queue if available. Returns the
// allowed flag and the current token count after the attempt.
func (b *TokenBucket) Allow(ctx context.Context, queue string) (bool, float64, error) {
	if !b.Enabled() {
		return true, 0, nil
	}

	key := "swiftq:throttle:" + queue
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	default:
		tokens = 0
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

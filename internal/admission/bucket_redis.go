package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeTokenScript refills and takes one token atomically.
// KEYS[1] bucket hash; ARGV: capacity, refill per ms, now ms, ttl ms.
// Returns {allowed, wait_ms}.
var takeTokenScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, wait}
`)

// RedisBuckets keeps bucket state in Redis so every relay instance shares it.
type RedisBuckets struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBuckets constructs a Redis-backed bucket store.
func NewRedisBuckets(client redis.UniversalClient, prefix string) *RedisBuckets {
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisBuckets{client: client, prefix: prefix + ":bucket:"}
}

// Take implements BucketStore.
func (r *RedisBuckets) Take(ctx context.Context, key string, capacity int64, refillPerSecond float64, now time.Time) (bool, time.Duration, error) {
	if refillPerSecond <= 0 {
		return false, 0, fmt.Errorf("admission: non-positive refill rate")
	}
	perMs := refillPerSecond / 1000
	// Keep idle buckets until they would be full again, plus slack.
	ttl := int64(math.Ceil(float64(capacity)/perMs)) + 60_000

	res, err := takeTokenScript.Run(ctx, r.client, []string{r.prefix + key},
		capacity, perMs, now.UnixMilli(), ttl).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("admission: redis bucket: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("admission: redis bucket: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

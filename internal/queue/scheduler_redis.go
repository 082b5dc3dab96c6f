package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/RelayGate/internal/models"
)

// priorityStride separates priority tiers in the ready set score; the sequence fills the remainder.
// With priorities capped at MaxQueuePriority the score stays below 2^53.
const priorityStride = 1e12

// popReadyScript promotes due jobs and pops the best ready job.
// KEYS: delayed zset, ready zset, rank hash, payload hash. ARGV[1]: now in ms.
var popReadyScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
  local rank = redis.call('HGET', KEYS[3], id)
  if rank then
    redis.call('ZADD', KEYS[2], rank, id)
  end
  redis.call('ZREM', KEYS[1], id)
end

local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
local payload = redis.call('HGET', KEYS[4], id)
redis.call('HDEL', KEYS[4], id)
return payload
`)

// RedisScheduler shares the schedule across relay instances.
type RedisScheduler struct {
	client       redis.UniversalClient
	delayedKey   string
	readyKey     string
	rankKey      string
	payloadKey   string
	seqKey       string
	pollInterval time.Duration
	now          func() time.Time
}

// NewRedisScheduler constructs a scheduler under prefix. Next polls every pollInterval when idle.
func NewRedisScheduler(client redis.UniversalClient, prefix string, pollInterval time.Duration) *RedisScheduler {
	if prefix == "" {
		prefix = "relay"
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	base := prefix + ":queue:"
	return &RedisScheduler{
		client:       client,
		delayedKey:   base + "delayed",
		readyKey:     base + "ready",
		rankKey:      base + "rank",
		payloadKey:   base + "jobs",
		seqKey:       base + "seq",
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Schedule implements Scheduler.
func (r *RedisScheduler) Schedule(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	seq, err := r.client.Incr(ctx, r.seqKey).Result()
	if err != nil {
		return fmt.Errorf("queue: redis seq: %w", err)
	}
	member := strconv.FormatUint(job.QueueID, 10)
	rank := float64(models.ClampQueuePriority(job.Priority))*priorityStride + float64(seq)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.payloadKey, member, payload)
	pipe.HSet(ctx, r.rankKey, member, rank)
	pipe.ZAdd(ctx, r.delayedKey, redis.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: member})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: redis schedule: %w", err)
	}
	return nil
}

// Next implements Scheduler.
func (r *RedisScheduler) Next(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		keys := []string{r.delayedKey, r.readyKey, r.rankKey, r.payloadKey}
		payload, err := popReadyScript.Run(ctx, r.client, keys, r.now().UnixMilli()).Text()
		switch {
		case err == nil && payload != "":
			var job Job
			if errDecode := json.Unmarshal([]byte(payload), &job); errDecode != nil {
				return Job{}, fmt.Errorf("queue: decode job: %w", errDecode)
			}
			return job, nil
		case err != nil && !errors.Is(err, redis.Nil):
			return Job{}, fmt.Errorf("queue: redis pop: %w", err)
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Job{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Depth implements Scheduler.
func (r *RedisScheduler) Depth(ctx context.Context) (int64, error) {
	pipe := r.client.Pipeline()
	delayed := pipe.ZCard(ctx, r.delayedKey)
	ready := pipe.ZCard(ctx, r.readyKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: redis depth: %w", err)
	}
	return delayed.Val() + ready.Val(), nil
}

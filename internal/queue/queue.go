package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/logger"
)

// Stat field names kept in the global and per-queue counter hashes
const (
	StatQueued    = "queued"
	StatRunning   = "running"
	StatProcessed = "processed"
	StatCancelled = "cancelled"
	StatFailed    = "failed"
	StatDelayed   = "delayed"
	StatRetried   = "retried"
	StatTotal     = "total"
)

// RedisQueue manages the per-queue indices in Redis
type RedisQueue struct {
	client *redis.Client
	keys   Keys
	log    *logger.Logger
}

// NewRedisQueue connects to Redis and returns a queue bound to the namespace
func NewRedisQueue(redisURL, namespace string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Pool settings sized for one worker loop plus heartbeat writes and
	// long blocking pops
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.PoolTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 8 * time.Millisecond
	opts.MaxRetryBackoff = 512 * time.Millisecond
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = -1 // blocking pops manage their own deadline
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, namespace), nil
}

// NewWithClient wraps an existing Redis client (used by children and tests)
func NewWithClient(client *redis.Client, namespace string) *RedisQueue {
	return &RedisQueue{
		client: client,
		keys:   NewKeys(namespace),
		log:    logger.Default().WithComponent(logger.ComponentQueue),
	}
}

// Client exposes the underlying Redis connection
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Keys exposes the key generator
func (q *RedisQueue) Keys() Keys { return q.keys }

// Known returns every registered queue name in ascending order
func (q *RedisQueue) Known(ctx context.Context) ([]string, error) {
	names, err := q.client.SMembers(ctx, q.keys.QueueSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Resolve expands "*" into the known queue set; explicit lists pass through
// unchanged. The result is never reordered except for the "*" expansion,
// which is ascending lexicographic.
func (q *RedisQueue) Resolve(ctx context.Context, configured []string) ([]string, error) {
	for _, name := range configured {
		if name == "*" {
			return q.Known(ctx)
		}
	}
	return configured, nil
}

// Push appends a payload to the queue's waiting list and registers the
// queue name. Counters: queued+1, total+1.
func (q *RedisQueue) Push(ctx context.Context, name, payload string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.keys.QueueSet(), name)
	pipe.LPush(ctx, q.keys.Waiting(name), payload)
	q.bumpStats(ctx, pipe, name, StatQueued, 1)
	q.bumpStats(ctx, pipe, name, StatTotal, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push to %s: %w", name, err)
	}
	return nil
}

// Schedule records a payload in the queue's delayed zset scored by runAt
func (q *RedisQueue) Schedule(ctx context.Context, name, payload string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.keys.QueueSet(), name)
	pipe.ZAdd(ctx, q.keys.Delayed(name), redis.Z{Score: float64(runAt.Unix()), Member: payload})
	q.bumpStats(ctx, pipe, name, StatDelayed, 1)
	q.bumpStats(ctx, pipe, name, StatTotal, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule on %s: %w", name, err)
	}
	return nil
}

// DrainDelayed moves every delayed payload due at or before now back into
// the waiting list, preserving score-ascending order. The range read and
// removal run as an atomic pair.
func (q *RedisQueue) DrainDelayed(ctx context.Context, name string, now time.Time) (int, error) {
	max := strconv.FormatInt(now.Unix(), 10)

	var due []string
	txf := func(tx *redis.Tx) error {
		var err error
		due, err = tx.ZRangeByScore(ctx, q.keys.Delayed(name), &redis.ZRangeBy{
			Min: "-inf",
			Max: max,
		}).Result()
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, q.keys.Delayed(name), "-inf", max)
			for _, payload := range due {
				pipe.LPush(ctx, q.keys.Waiting(name), payload)
			}
			q.bumpStats(ctx, pipe, name, StatDelayed, int64(-len(due)))
			q.bumpStats(ctx, pipe, name, StatQueued, int64(len(due)))
			return nil
		})
		return err
	}

	if err := q.client.Watch(ctx, txf, q.keys.Delayed(name)); err != nil {
		if err == redis.TxFailedErr {
			// Another worker drained concurrently; its drain covered the range
			return 0, nil
		}
		return 0, fmt.Errorf("failed to drain delayed for %s: %w", name, err)
	}
	return len(due), nil
}

// PopBlocking atomically moves the oldest waiting payload into the worker's
// processing list, blocking up to timeout. Returns "" on timeout.
func (q *RedisQueue) PopBlocking(ctx context.Context, name, workerID string, timeout time.Duration) (string, error) {
	payload, err := q.client.BRPopLPush(ctx, q.keys.Waiting(name), q.keys.Processing(name, workerID), timeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("blocking pop on %s: %w", name, err)
	}
	return payload, nil
}

// Pop is the non-blocking variant of PopBlocking
func (q *RedisQueue) Pop(ctx context.Context, name, workerID string) (string, error) {
	payload, err := q.client.RPopLPush(ctx, q.keys.Waiting(name), q.keys.Processing(name, workerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop on %s: %w", name, err)
	}
	return payload, nil
}

// MarkRunning stamps a claimed payload into the running zset.
// Counters: queued-1, running+1.
func (q *RedisQueue) MarkRunning(ctx context.Context, name, payload string, startedAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.keys.Running(name), redis.Z{Score: float64(startedAt.Unix()), Member: payload})
	q.bumpStats(ctx, pipe, name, StatQueued, -1)
	q.bumpStats(ctx, pipe, name, StatRunning, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark running on %s: %w", name, err)
	}
	return nil
}

// Ack retires an in-flight payload into a terminal archive: the running
// entry and the processing-list copy are removed and the archive zset is
// stamped with the finish time. Counters: running-1, <state>+1.
func (q *RedisQueue) Ack(ctx context.Context, name, workerID, payload, state string, finishedAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.Running(name), payload)
	pipe.LRem(ctx, q.keys.Processing(name, workerID), 1, payload)
	pipe.ZAdd(ctx, q.keys.Archive(name, state), redis.Z{Score: float64(finishedAt.Unix()), Member: payload})
	q.bumpStats(ctx, pipe, name, StatRunning, -1)
	switch state {
	case ArchiveProcessed:
		q.bumpStats(ctx, pipe, name, StatProcessed, 1)
	case ArchiveCancelled:
		q.bumpStats(ctx, pipe, name, StatCancelled, 1)
	case ArchiveFailed:
		q.bumpStats(ctx, pipe, name, StatFailed, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", state, name, err)
	}
	return nil
}

// RecordRetry stamps a failed-but-retried payload into the fail_retried
// archive and bumps the retried counter. The payload stays live (back in
// waiting or delayed), so running/queued adjustments happen elsewhere.
func (q *RedisQueue) RecordRetry(ctx context.Context, name, payload string, at time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.keys.Archive(name, ArchiveFailRetried), redis.Z{Score: float64(at.Unix()), Member: payload})
	q.bumpStats(ctx, pipe, name, StatRetried, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record retry on %s: %w", name, err)
	}
	return nil
}

// Requeue moves the worker's in-flight payload from its processing list
// straight back to the tail of the waiting list (direct requeue after a
// transient failure). Counters: running-1, queued+1.
func (q *RedisQueue) Requeue(ctx context.Context, name, workerID, payload string) error {
	if err := q.client.RPopLPush(ctx, q.keys.Processing(name, workerID), q.keys.Waiting(name)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to requeue on %s: %w", name, err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.Running(name), payload)
	q.bumpStats(ctx, pipe, name, StatRunning, -1)
	q.bumpStats(ctx, pipe, name, StatQueued, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to adjust counters on %s: %w", name, err)
	}
	return nil
}

// Redelay moves an in-flight payload into the delayed zset (retry with
// backoff or an explicit Retry delay). Counters: running-1, delayed+1.
func (q *RedisQueue) Redelay(ctx context.Context, name, workerID, payload string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.Running(name), payload)
	pipe.LRem(ctx, q.keys.Processing(name, workerID), 1, payload)
	pipe.ZAdd(ctx, q.keys.Delayed(name), redis.Z{Score: float64(runAt.Unix()), Member: payload})
	q.bumpStats(ctx, pipe, name, StatRunning, -1)
	q.bumpStats(ctx, pipe, name, StatDelayed, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to redelay on %s: %w", name, err)
	}
	return nil
}

// RunningOlderThan returns the running-zset payloads whose start score is
// at or before the cutoff (zombie candidates).
func (q *RedisQueue) RunningOlderThan(ctx context.Context, name string, cutoff time.Time) ([]string, error) {
	entries, err := q.client.ZRangeByScore(ctx, q.keys.Running(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read running set for %s: %w", name, err)
	}
	return entries, nil
}

// TrimProcessed drops processed-archive entries older than the cutoff
func (q *RedisQueue) TrimProcessed(ctx context.Context, name string, cutoff time.Time) error {
	err := q.client.ZRemRangeByScore(ctx, q.keys.Archive(name, ArchiveProcessed),
		"-inf", strconv.FormatInt(cutoff.Unix(), 10)).Err()
	if err != nil {
		return fmt.Errorf("failed to trim processed for %s: %w", name, err)
	}
	return nil
}

// CleanupQueue drains the worker's processing lists back into their waiting
// lists and deletes the worker's auxiliary keys (its own dedicated queue
// and stats). Run on startup and on unregister.
func (q *RedisQueue) CleanupQueue(ctx context.Context, workerID string) error {
	queues, err := q.Known(ctx)
	if err != nil {
		return err
	}

	for _, name := range queues {
		processing := q.keys.Processing(name, workerID)
		recovered := 0
		for {
			payload, err := q.client.RPopLPush(ctx, processing, q.keys.Waiting(name)).Result()
			if err == redis.Nil {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to drain processing list for %s: %w", name, err)
			}
			recovered++

			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, q.keys.Running(name), payload)
			q.bumpStats(ctx, pipe, name, StatRunning, -1)
			q.bumpStats(ctx, pipe, name, StatQueued, 1)
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("failed to adjust counters for %s: %w", name, err)
			}
		}
		if recovered > 0 {
			q.log.Warn("Recovered in-flight payloads from abandoned processing list",
				"queue", name, "worker_id", workerID, "count", recovered)
		}
	}

	// The worker's own dedicated queue and its stats
	return q.client.Del(ctx,
		q.keys.Waiting(workerID),
		q.keys.QueueStats(workerID),
	).Err()
}

// GlobalStats returns the global counter hash
func (q *RedisQueue) GlobalStats(ctx context.Context) (map[string]string, error) {
	return q.client.HGetAll(ctx, q.keys.Stats()).Result()
}

// QueueStats returns the per-queue counter hash
func (q *RedisQueue) QueueStats(ctx context.Context, name string) (map[string]string, error) {
	return q.client.HGetAll(ctx, q.keys.QueueStats(name)).Result()
}

// WaitingLen returns the waiting-list depth of a queue
func (q *RedisQueue) WaitingLen(ctx context.Context, name string) (int64, error) {
	return q.client.LLen(ctx, q.keys.Waiting(name)).Result()
}

// bumpStats queues global and per-queue counter adjustments onto pipe
func (q *RedisQueue) bumpStats(ctx context.Context, pipe redis.Pipeliner, name, field string, delta int64) {
	pipe.HIncrBy(ctx, q.keys.Stats(), field, delta)
	pipe.HIncrBy(ctx, q.keys.QueueStats(name), field, delta)
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	return nil
}

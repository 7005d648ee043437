package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based distributed locking so only one
// scheduler instance fires a given schedule at a time.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLock attempts to acquire a distributed lock. Returns nil (no
// error) when another instance already holds it.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
	}, nil
}

// Release releases the lock, but only if we still own it
func (l *DistributedLock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.token).Result()
	return err
}

// Extend extends the lock TTL for long-running fires. Errors when the
// lock is no longer ours.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	result, err := l.client.Eval(ctx, script, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock no longer owned by this instance")
	}
	l.ttl = ttl
	return nil
}

// Key returns the Redis key for this lock
func (l *DistributedLock) Key() string { return l.key }

// Token returns the lock token
func (l *DistributedLock) Token() string { return l.token }

// Package client is the producer-facing facade: enqueue work, schedule it,
// inspect status and output, and request out-of-band cancellation.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/logger"
	"github.com/botqueue/botq/internal/queue"
)

// Client enqueues jobs and reads their state
type Client struct {
	manager *job.Manager
	queues  *queue.RedisQueue
	log     *logger.Logger
}

// New connects a producer client to Redis
func New(redisURL, namespace string) (*Client, error) {
	q, err := queue.NewRedisQueue(redisURL, namespace)
	if err != nil {
		return nil, err
	}
	return NewWithQueue(q, events.NewBus()), nil
}

// NewWithQueue wraps an existing queue backend (embedding producers)
func NewWithQueue(q *queue.RedisQueue, bus *events.Bus) *Client {
	return &Client{
		manager: job.NewManager(q, bus, nil, 24*time.Hour),
		queues:  q,
		log:     logger.Default().WithComponent(logger.ComponentClient),
	}
}

// Enqueue creates a job from a plain Go data value and pushes it for
// immediate execution. Returns the job id and whether it was admitted.
func (c *Client) Enqueue(ctx context.Context, queueName, class string, data interface{}) (string, bool, error) {
	return c.EnqueueAt(ctx, queueName, class, data, time.Time{})
}

// EnqueueAt schedules a job to run no earlier than runAt
func (c *Client) EnqueueAt(ctx context.Context, queueName, class string, data interface{}, runAt time.Time) (string, bool, error) {
	val, err := job.NewData(data)
	if err != nil {
		return "", false, err
	}
	j, ok, err := c.manager.Create(ctx, queueName, class, val, runAt)
	if err != nil {
		return "", false, err
	}
	return j.ID(), ok, nil
}

// EnqueueIn schedules a job to run after the given delay
func (c *Client) EnqueueIn(ctx context.Context, queueName, class string, data interface{}, delay time.Duration) (string, bool, error) {
	return c.EnqueueAt(ctx, queueName, class, data, time.Now().Add(delay))
}

// Status reads a job's state machine position; an unknown or expired job
// is reported as an error
func (c *Client) Status(ctx context.Context, jobID string) (job.Status, error) {
	j, err := c.manager.Load(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if j == nil {
		return 0, fmt.Errorf("job %s not found", jobID)
	}
	return j.Status(ctx)
}

// Cancel asks whichever worker holds the job to cancel it
func (c *Client) Cancel(ctx context.Context, jobID, reason string) error {
	j, err := c.manager.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("job %s not found", jobID)
	}
	return j.RequestCancel(ctx, reason)
}

// Output reads the job's bounded output stream, oldest first
func (c *Client) Output(ctx context.Context, jobID string) ([]string, error) {
	msgs, err := c.queues.Client().XRange(ctx, c.queues.Keys().JobOutput(jobID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read output of %s: %w", jobID, err)
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if line, ok := m.Values["line"].(string); ok {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Subscribe follows a handler-supplied pub/sub channel. The returned
// PubSub must be closed by the caller.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.queues.Client().Subscribe(ctx, c.queues.Keys().Channel(channel))
}

// Stats returns the global counter hash
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	return c.queues.GlobalStats(ctx)
}

// Close releases the Redis connection
func (c *Client) Close() error {
	return c.queues.Close()
}

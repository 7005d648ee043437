// Package host tracks which machines run workers: the global host set and
// the per-host worker rosters used by peer cleanup.
package host

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/queue"
)

// Registry manages host presence in Redis
type Registry struct {
	client *redis.Client
	keys   queue.Keys
}

// NewRegistry creates a host registry over an existing connection
func NewRegistry(client *redis.Client, keys queue.Keys) *Registry {
	return &Registry{client: client, keys: keys}
}

// Register adds the host to the global host set
func (r *Registry) Register(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	if err := r.client.SAdd(ctx, r.keys.Hosts(), name).Err(); err != nil {
		return fmt.Errorf("failed to register host %s: %w", name, err)
	}
	return nil
}

// Unregister removes the host and its worker roster
func (r *Registry) Unregister(ctx context.Context, name string) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.keys.Hosts(), name)
	pipe.Del(ctx, r.keys.Host(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister host %s: %w", name, err)
	}
	return nil
}

// Alive reports whether the host is present in the global set
func (r *Registry) Alive(ctx context.Context, name string) (bool, error) {
	return r.client.SIsMember(ctx, r.keys.Hosts(), name).Result()
}

// Hosts enumerates every registered host
func (r *Registry) Hosts(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.keys.Hosts()).Result()
}

// AddWorker records a worker on the host's roster
func (r *Registry) AddWorker(ctx context.Context, name, workerID string) error {
	return r.client.SAdd(ctx, r.keys.Host(name), workerID).Err()
}

// RemoveWorker drops a worker from the host's roster
func (r *Registry) RemoveWorker(ctx context.Context, name, workerID string) error {
	return r.client.SRem(ctx, r.keys.Host(name), workerID).Err()
}

// HasWorker reports roster membership
func (r *Registry) HasWorker(ctx context.Context, name, workerID string) (bool, error) {
	return r.client.SIsMember(ctx, r.keys.Host(name), workerID).Result()
}

// Workers lists the host's roster
func (r *Registry) Workers(ctx context.Context, name string) ([]string, error) {
	return r.client.SMembers(ctx, r.keys.Host(name)).Result()
}

// KeepAlive re-asserts host presence; called from the worker heartbeat
func (r *Registry) KeepAlive(ctx context.Context, name string) error {
	return r.client.SAdd(ctx, r.keys.Hosts(), name).Err()
}

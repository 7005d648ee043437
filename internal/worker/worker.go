// Package worker implements the worker runtime: registration and presence,
// the main work loop, child-process isolation, signal handling, heartbeats,
// the memory watchdog, and pruning of dead peers.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/host"
	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/logger"
	"github.com/botqueue/botq/internal/queue"
)

// Status is the worker lifecycle position
type Status string

const (
	StatusNew     Status = "NEW"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
)

// Runtime constants
const (
	// cleanupCycle spaces the host/global cleanup sweeps
	cleanupCycle = 120 * time.Second
	// heartbeatInterval spaces parent heartbeats while a child runs
	heartbeatInterval = 5 * time.Second
	// jobWallCap is the hard parent-side limit on one job
	jobWallCap = time.Hour
)

// Options configures a worker
type Options struct {
	// Queues to watch; "*" resolves to all known queues each iteration
	Queues []string
	// Blocking selects blocking pops over polling
	Blocking bool
	// Interval is the idle sleep and blocking-pop timeout
	Interval time.Duration
	// JobTimeout is the per-job wall limit enforced in the child
	JobTimeout time.Duration
	// MemoryLimitMB is the soft resident-memory ceiling (0 disables)
	MemoryLimitMB int
	// DedicatedLock makes this worker honor cluster dedicated mode
	DedicatedLock bool
}

// Worker is one single-job-at-a-time executor process
type Worker struct {
	id       string
	hostname string
	pid      int
	version  string

	opts    Options
	manager *job.Manager
	queues  *queue.RedisQueue
	client  *redis.Client
	keys    queue.Keys
	hosts   *host.Registry
	bus     *events.Bus
	log     *logger.Logger

	status   Status
	commands chan Command

	paused        bool
	shutdown      bool
	forceShutdown bool

	current  *job.Job
	childPID int

	lastGSignal   string
	lastCleanup   time.Time
	lastMemDecile int
}

// New builds a worker identified as "<hostname>:<pid>:<runtime-version>"
func New(m *job.Manager, bus *events.Bus, opts Options) (*Worker, error) {
	if len(opts.Queues) == 0 {
		return nil, fmt.Errorf("worker needs at least one queue")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hostname: %w", err)
	}

	q := m.Queues()
	w := &Worker{
		id:       fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), runtime.Version()),
		hostname: hostname,
		pid:      os.Getpid(),
		version:  runtime.Version(),
		opts:     opts,
		manager:  m,
		queues:   q,
		client:   q.Client(),
		keys:     q.Keys(),
		hosts:    host.NewRegistry(q.Client(), q.Keys()),
		bus:      bus,
		log:      logger.Default().WithComponent(logger.ComponentWorker).WithSource(logger.SourceInternal),
		status:   StatusNew,
		commands: make(chan Command, 16),
	}

	bus.Emit(events.WorkerInstance, w)
	return w, nil
}

// ID returns the worker identity string
func (w *Worker) ID() string { return w.id }

// Hostname returns the host this worker registered under
func (w *Worker) Hostname() string { return w.hostname }

// Status returns the lifecycle position
func (w *Worker) Status() Status { return w.status }

// Register writes the worker's presence: the global worker set, the worker
// packet hash, and the host roster.
func (w *Worker) Register(ctx context.Context) error {
	fields := map[string]interface{}{
		"hostname": w.hostname,
		"pid":      w.pid,
		"version":  w.version,
		"queues":   strings.Join(w.opts.Queues, ","),
		"blocking": strconv.FormatBool(w.opts.Blocking),
		"interval": int(w.opts.Interval.Seconds()),
		"status":   string(w.status),
		"started":  time.Now().Unix(),
	}

	pipe := w.client.TxPipeline()
	pipe.SAdd(ctx, w.keys.Workers(), w.id)
	pipe.HSet(ctx, w.keys.Worker(w.id), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	if err := w.hosts.Register(ctx, w.hostname); err != nil {
		return err
	}
	if err := w.hosts.AddWorker(ctx, w.hostname, w.id); err != nil {
		return err
	}

	w.bus.Emit(events.WorkerRegister, w)
	return nil
}

// Unregister removes presence and recovers any in-flight payloads this
// worker still holds.
func (w *Worker) Unregister(ctx context.Context) error {
	w.bus.Emit(events.WorkerUnregister, w)

	if err := w.queues.CleanupQueue(ctx, w.id); err != nil {
		w.log.Error("Failed to clean up processing lists", "worker_id", w.id, "error", err)
	}

	pipe := w.client.TxPipeline()
	pipe.SRem(ctx, w.keys.Workers(), w.id)
	pipe.Del(ctx, w.keys.Worker(w.id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}

	return w.hosts.RemoveWorker(ctx, w.hostname, w.id)
}

// setStatus updates the local and stored worker status
func (w *Worker) setStatus(ctx context.Context, s Status) {
	w.status = s
	if err := w.client.HSet(ctx, w.keys.Worker(w.id), "status", string(s)).Err(); err != nil {
		w.log.Warn("Failed to store worker status", "worker_id", w.id, "error", err)
	}
}

// registered reports whether the worker is still in the global set
func (w *Worker) registered(ctx context.Context) (bool, error) {
	return w.client.SIsMember(ctx, w.keys.Workers(), w.id).Result()
}

// PruneDead force-unregisters dead workers. A worker is dead when its host
// is alive but no longer lists it, or when it claims to live on this host
// and its pid is gone. Orphaned worker hashes for this host are put on the
// expiry TTL.
func (w *Worker) PruneDead(ctx context.Context, expiry time.Duration) error {
	ids, err := w.client.SMembers(ctx, w.keys.Workers()).Result()
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	roster := make(map[string]bool, len(ids))
	for _, id := range ids {
		roster[id] = true
		if id == w.id {
			continue
		}

		workerHost, pid, ok := parseID(id)
		if !ok {
			continue
		}

		dead := false
		if workerHost == w.hostname {
			if !processAlive(pid) {
				dead = true
			}
		} else {
			alive, err := w.hosts.Alive(ctx, workerHost)
			if err != nil {
				return err
			}
			if alive {
				onHost, err := w.hosts.HasWorker(ctx, workerHost, id)
				if err != nil {
					return err
				}
				dead = !onHost
			}
		}

		if dead {
			w.log.Warn("Pruning dead worker", "dead_worker_id", id)
			if err := w.forceUnregister(ctx, id, workerHost); err != nil {
				return err
			}
			delete(roster, id)
		}
	}

	// Orphaned per-worker hashes on this host decay rather than linger
	pattern := w.keys.Worker(w.hostname + ":*")
	iter := w.client.Scan(ctx, 0, pattern, 100).Iterator()
	prefix := w.keys.Worker("")
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, prefix)
		if !roster[id] {
			if err := w.client.Expire(ctx, key, expiry).Err(); err != nil {
				w.log.Warn("Failed to expire orphan worker hash", "key", key, "error", err)
			}
		}
	}
	return iter.Err()
}

// forceUnregister removes a dead peer and drains its processing lists
func (w *Worker) forceUnregister(ctx context.Context, id, workerHost string) error {
	if err := w.queues.CleanupQueue(ctx, id); err != nil {
		return err
	}
	pipe := w.client.TxPipeline()
	pipe.SRem(ctx, w.keys.Workers(), id)
	pipe.Del(ctx, w.keys.Worker(id))
	pipe.SRem(ctx, w.keys.Host(workerHost), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to force-unregister %s: %w", id, err)
	}
	return nil
}

// parseID splits "<host>:<pid>:<version>" into host and pid
func parseID(id string) (string, int, bool) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) < 3 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return parts[0], pid, true
}

// processAlive probes a local pid with signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists under another uid
	return err == syscall.EPERM
}

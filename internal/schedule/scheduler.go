package schedule

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/logger"
)

// Scheduler fires due schedules into the job lifecycle
type Scheduler struct {
	registry *Registry
	manager  *job.Manager
	client   *redis.Client
	ns       string
	interval time.Duration
	lockTTL  time.Duration
	log      *logger.Logger
}

// NewScheduler creates a scheduler over the registry and job manager
func NewScheduler(registry *Registry, manager *job.Manager, interval time.Duration) *Scheduler {
	return &Scheduler{
		registry: registry,
		manager:  manager,
		client:   manager.Queues().Client(),
		ns:       manager.Queues().Keys().Namespace(),
		interval: interval,
		lockTTL:  60 * time.Second,
		log:      logger.Default().WithComponent(logger.ComponentScheduler),
	}
}

// SetLockTTL overrides the per-schedule lock TTL (testing and tuning)
func (s *Scheduler) SetLockTTL(ttl time.Duration) {
	s.lockTTL = ttl
}

// Start runs the tick loop until the context ends
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Scheduler started",
		"interval", s.interval, "schedules", s.registry.Count())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick checks every enabled schedule and fires the due ones
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, sched := range s.registry.List() {
		if !sched.Enabled {
			continue
		}
		if s.isDue(ctx, sched, now) {
			s.fire(ctx, sched, now)
		}
	}
}

// isDue compares the schedule's next fire time after its last run with now
func (s *Scheduler) isDue(ctx context.Context, sched *Schedule, now time.Time) bool {
	lastRun := s.lastRun(ctx, sched.ID)
	if lastRun.IsZero() {
		// Never fired; anchor to the current tick rather than replaying
		// the past
		lastRun = now.Add(-s.interval)
	}
	next, ok := s.registry.NextAfter(sched.ID, lastRun)
	if !ok {
		return false
	}
	return !next.After(now)
}

// fire enqueues the schedule's job once, under the distributed lock
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	lock, err := AcquireLock(ctx, s.client, s.lockKey(sched.ID), s.lockTTL)
	if err != nil {
		s.log.Error("Failed to acquire schedule lock", "schedule_id", sched.ID, "error", err)
		return
	}
	if lock == nil {
		// Another instance is firing this schedule
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Warn("Failed to release schedule lock", "schedule_id", sched.ID, "error", err)
		}
	}()

	// Re-check under the lock: a peer may have fired between our check
	// and acquisition
	if !s.isDue(ctx, sched, now) {
		return
	}

	_, ok, err := s.manager.Create(ctx, sched.Queue, sched.Class, sched.Data, time.Time{})
	if err != nil {
		s.log.Error("Failed to enqueue scheduled job",
			"schedule_id", sched.ID, "class", sched.Class, "error", err)
		return
	}
	if !ok {
		s.log.Warn("Scheduled job was rejected",
			"schedule_id", sched.ID, "class", sched.Class)
	}

	if err := s.client.HSet(ctx, s.stateKey(sched.ID), "last_run", now.Unix()).Err(); err != nil {
		s.log.Error("Failed to store schedule state", "schedule_id", sched.ID, "error", err)
	}

	s.log.Info("Fired schedule", "schedule_id", sched.ID, "class", sched.Class, "queue", sched.Queue)
}

// lastRun reads the schedule's stored last fire time
func (s *Scheduler) lastRun(ctx context.Context, id string) time.Time {
	raw, err := s.client.HGet(ctx, s.stateKey(id), "last_run").Result()
	if err != nil {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}

func (s *Scheduler) stateKey(id string) string { return s.ns + "schedule:state:" + id }
func (s *Scheduler) lockKey(id string) string  { return s.ns + "schedule:lock:" + id }

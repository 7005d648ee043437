// Package main provides the botq scheduler service: it fires registered
// recurring schedules into the queue, coordinated with peers through a
// Redis lock.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/botqueue/botq/internal/config"
	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/logger"
	"github.com/botqueue/botq/internal/queue"
	"github.com/botqueue/botq/internal/schedule"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	schedLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.SourceInternal)

	q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.Namespace)
	if err != nil {
		schedLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	manager := job.NewManager(q, events.NewBus(), nil, cfg.ExpiryTime)

	registry := schedule.NewRegistry()
	// TODO: replace with real schedules
	registry.MustRegister(&schedule.Schedule{
		ID:      "heartbeat",
		Spec:    "*/5 * * * *",
		Queue:   "maintenance",
		Class:   "Echo",
		Enabled: true,
	})

	sched := schedule.NewScheduler(registry, manager, cfg.SchedulerInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedLog.Info("Scheduler starting", "interval", cfg.SchedulerInterval, "schedules", registry.Count())
	sched.Start(ctx)
	schedLog.Info("Scheduler exited")
}

// Package main provides the botq worker process. Invoked with no
// arguments it runs the worker loop; invoked as "worker perform <job-id>
// <queue> <worker-id>" it runs the child side of the fork boundary.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"time"

	"github.com/botqueue/botq/internal/config"
	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/handler"
	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/logger"
	"github.com/botqueue/botq/internal/metrics"
	"github.com/botqueue/botq/internal/queue"
	"github.com/botqueue/botq/internal/worker"
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

	registry := handler.NewRegistry()
	// TODO: replace the example handlers with real ones
	handler.RegisterExamples(registry)

	if len(os.Args) > 1 && os.Args[1] == "perform" {
		os.Exit(runChild(cfg, registry, os.Args[2:]))
	}

	runWorker(cfg, registry, log)
}

// runChild executes one job in this process and exits. Exit code 0 means
// the job's outcome was recorded (a terminal state, or a retry back to
// waiting or delayed); 3 means the wall clock expired; anything else is
// reconciled as dirty by the parent.
func runChild(cfg *config.Config, registry *handler.Registry, args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: worker perform <job-id> <queue> <worker-id>")
		return 2
	}

	err := worker.RunChild(context.Background(), worker.ChildOptions{
		RedisURL:   cfg.RedisURL,
		Namespace:  cfg.Namespace,
		JobID:      args[0],
		Queue:      args[1],
		WorkerID:   args[2],
		JobTimeout: cfg.JobTimeout,
		Registry:   registry,
		Bus:        events.NewBus(),
		Expiry:     cfg.ExpiryTime,
	})
	if err != nil {
		if errors.Is(err, worker.ErrChildTimeout) {
			return 3
		}
		logger.Error("Child failed", "error", err)
		return 1
	}
	return 0
}

// runWorker runs the parent worker loop
func runWorker(cfg *config.Config, registry *handler.Registry, log *logger.Logger) {
	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.SourceInternal)

	workerLog.Info("Worker starting",
		"queues", cfg.Queues,
		"blocking", cfg.Blocking,
		"interval", cfg.Interval,
		"job_timeout", cfg.JobTimeout,
		"redis_url", cfg.RedisURL)

	// pprof on its own port
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		workerLog.Info("Starting pprof server", "port", pprofPort)
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	// Prometheus metrics
	if cfg.MetricsPort != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			server := &http.Server{
				Addr:              ":" + cfg.MetricsPort,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			workerLog.Info("Starting metrics server", "port", cfg.MetricsPort)
			if err := server.ListenAndServe(); err != nil {
				workerLog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	q, err := queue.NewRedisQueue(cfg.RedisURL, cfg.Namespace)
	if err != nil {
		workerLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := q.Close(); err != nil {
			workerLog.Error("Failed to close Redis queue", "error", err)
		}
	}()

	bus := events.NewBus()
	manager := job.NewManager(q, bus, registry, cfg.ExpiryTime)

	w, err := worker.New(manager, bus, worker.Options{
		Queues:        cfg.Queues,
		Blocking:      cfg.Blocking,
		Interval:      cfg.Interval,
		JobTimeout:    cfg.JobTimeout,
		MemoryLimitMB: cfg.MemoryLimitMB,
		DedicatedLock: cfg.DedicatedLock,
	})
	if err != nil {
		workerLog.Error("Failed to create worker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.InstallSignalHandlers(ctx)

	if err := w.Work(ctx); err != nil {
		workerLog.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	workerLog.Info("Worker exited cleanly")
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	berrors "github.com/botqueue/botq/internal/errors"
	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/metrics"
)

// Work runs the main loop until a shutdown command, a watchdog trip, or a
// corrupt worker record ends it. The worker registers on entry and always
// unregisters on the way out.
func (w *Worker) Work(ctx context.Context) error {
	w.bus.Emit(events.WorkerStartup, w)

	// Startup sweep: dead peers on this host, zombie running entries,
	// and any processing lists left by a previous incarnation
	if err := w.PruneDead(ctx, w.manager.Expiry()); err != nil {
		w.log.Warn("Startup worker prune failed", "error", err)
	}
	if resolved, err := w.queues.Resolve(ctx, w.opts.Queues); err == nil {
		if err := w.manager.Cleanup(ctx, resolved); err != nil {
			w.log.Warn("Startup job cleanup failed", "error", err)
		}
	}
	if err := w.queues.CleanupQueue(ctx, w.id); err != nil {
		w.log.Warn("Startup queue cleanup failed", "error", err)
	}

	if err := w.Register(ctx); err != nil {
		return err
	}
	w.setStatus(ctx, StatusRunning)
	w.lastCleanup = time.Now()
	w.bus.Emit(events.WorkerWork, w)
	w.log.Info("Worker started",
		"worker_id", w.id, "queues", w.opts.Queues,
		"blocking", w.opts.Blocking, "interval", w.opts.Interval)

	for {
		if ctx.Err() != nil {
			w.shutdown = true
		}
		w.drainCommands(ctx)
		if w.shutdown {
			break
		}

		w.cleanupCycleTick(ctx)
		if w.shutdown {
			break
		}

		w.pollRemoteSignals(ctx)

		if rss, err := residentMemory(); err == nil {
			metrics.SetWorkerMemory(float64(rss))
			if w.checkMemory(rss) {
				w.shutdown = true
				continue
			}
		}

		if corrupt := w.sanityCheck(ctx); corrupt {
			break
		}

		if w.paused || w.dedicatedBlocked(ctx) {
			w.sleep(ctx, w.opts.Interval)
			continue
		}

		resolved, err := w.queues.Resolve(ctx, w.opts.Queues)
		if err != nil {
			w.log.Error("Failed to resolve queues", "error", err)
			w.sleep(ctx, w.opts.Interval)
			continue
		}
		if len(resolved) == 0 {
			w.sleep(ctx, w.opts.Interval)
			continue
		}

		now := time.Now()
		for _, name := range resolved {
			if _, err := w.queues.DrainDelayed(ctx, name, now); err != nil {
				w.log.Warn("Failed to drain delayed jobs", "queue", name, "error", err)
			}
			if depth, err := w.queues.WaitingLen(ctx, name); err == nil {
				metrics.SetQueueDepth(name, float64(depth))
			}
		}

		j, err := w.manager.Pop(ctx, resolved, w.opts.Interval, w.opts.Blocking, w.id)
		if err != nil {
			w.log.Error("Failed to claim a job", "error", err)
			w.sleep(ctx, w.opts.Interval)
			continue
		}
		if j == nil {
			if !w.opts.Blocking {
				w.sleep(ctx, w.opts.Interval)
			}
			continue
		}

		w.workOn(ctx, j)
	}

	tctx := context.WithoutCancel(ctx)
	w.log.Info("Worker stopping", "worker_id", w.id)
	return w.Unregister(tctx)
}

// cleanupCycleTick re-runs the host and global cleanup every cleanupCycle
// and shuts down when the hostname changed underneath us.
func (w *Worker) cleanupCycleTick(ctx context.Context) {
	if time.Since(w.lastCleanup) < cleanupCycle {
		return
	}
	w.lastCleanup = time.Now()
	w.bus.Emit(events.WorkerCleanup, w)

	if hn, err := os.Hostname(); err == nil && hn != w.hostname {
		// Re-registration under the new name is the operator's call
		w.log.Warn("Hostname changed, shutting down",
			"was", w.hostname, "now", hn)
		w.shutdown = true
		return
	}

	if err := w.PruneDead(ctx, w.manager.Expiry()); err != nil {
		w.log.Warn("Worker prune failed", "error", err)
	}
	if resolved, err := w.queues.Resolve(ctx, w.opts.Queues); err == nil {
		if err := w.manager.Cleanup(ctx, resolved); err != nil {
			w.log.Warn("Job cleanup failed", "error", err)
		}
	}
}

// sanityCheck shuts the worker down when its own registration vanished
func (w *Worker) sanityCheck(ctx context.Context) bool {
	reg, err := w.registered(ctx)
	if err != nil {
		return false
	}
	hlen, herr := w.client.HLen(ctx, w.keys.Worker(w.id)).Result()
	if !reg || (herr == nil && hlen == 0) {
		w.bus.Emit(events.WorkerCorrupt, w)
		w.log.Error("Worker record corrupt, shutting down", "worker_id", w.id)
		w.shutdown = true
		return true
	}
	return false
}

// sleep waits out the interval but stays responsive to commands
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case cmd := <-w.commands:
		w.applyCommand(ctx, cmd)
	case <-t.C:
	}
}

// workOn runs one claimed job through a child process and reconciles the
// outcome. The parent only heartbeats while the child executes.
func (w *Worker) workOn(ctx context.Context, j *job.Job) {
	w.current = j
	w.bus.Emit(events.WorkerWorkingOn, w, j)
	start := time.Now()

	if err := w.client.HSet(ctx, w.keys.Worker(w.id), map[string]interface{}{
		"job_id":      j.ID(),
		"job_started": start.Unix(),
	}).Err(); err != nil {
		w.log.Warn("Failed to record in-flight job", "job_id", j.ID(), "error", err)
	}

	w.bus.Emit(events.WorkerFork, w, j)
	cmd, err := w.spawnChild(j)
	if err != nil {
		w.bus.Emit(events.WorkerForkError, w, j, err)
		w.log.Error("Failed to spawn job child, re-enqueueing and shutting down",
			"job_id", j.ID(), "error", err)
		if rerr := w.queues.Requeue(ctx, j.Queue(), w.id, j.Payload()); rerr != nil {
			w.log.Error("Failed to re-enqueue after spawn failure", "job_id", j.ID(), "error", rerr)
		}
		w.shutdown = true
		w.clearInFlight(ctx)
		return
	}

	w.childPID = cmd.Process.Pid
	w.bus.Emit(events.WorkerForkParent, w, j)
	_ = w.client.HSet(ctx, w.keys.Worker(w.id), "job_pid", w.childPID).Err()
	w.log.Info("Child started", "job_id", j.ID(), "child_pid", w.childPID)

	exitCode := w.waitForChild(ctx, cmd, start)

	rctx := context.WithoutCancel(ctx)
	status, serr := j.Status(rctx)
	switch {
	case serr != nil:
		w.log.Error("Failed to read job status after child exit",
			"job_id", j.ID(), "error", serr)
	case status == job.StatusRunning:
		// Non-zero exit, or a zero exit that never recorded a terminal
		// state; either way the child's word is worthless
		detail := fmt.Sprintf("child exited %d with job still running", exitCode)
		if err := j.Fail(rctx, &berrors.Dirty{Detail: detail}, false); err != nil {
			w.log.Error("Failed to fail dirty job", "job_id", j.ID(), "error", err)
		}
		w.log.Error("Dirty child exit, shutting down",
			"job_id", j.ID(), "exit_code", exitCode)
		w.shutdown = true
		status = job.StatusFailed
	}

	metrics.RecordJob(j.Queue(), status.String(), time.Since(start))
	w.clearInFlight(rctx)
	w.bus.Emit(events.WorkerDoneWorking, w, j)
}

// spawnChild launches this executable in perform mode. The child gets its
// own Redis connection; only stdio is shared.
func (w *Worker) spawnChild(j *job.Job) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	cmd := exec.Command(exe, "perform", j.ID(), j.Queue(), w.id)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start child: %w", err)
	}
	return cmd, nil
}

// waitForChild blocks until the child exits, heartbeating every
// heartbeatInterval and enforcing the hard wall cap.
func (w *Worker) waitForChild(ctx context.Context, cmd *exec.Cmd, start time.Time) int {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case err := <-done:
			if err == nil {
				return 0
			}
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				return ee.ExitCode()
			}
			return -1

		case <-hb.C:
			w.heartbeat(ctx)
			if time.Since(start) > jobWallCap {
				w.log.Error("Job exceeded hard wall cap, killing child",
					"child_pid", w.childPID, "cap", jobWallCap)
				w.killChild()
			}

		case c := <-w.commands:
			w.applyCommand(ctx, c)

		case <-ctxDone:
			ctxDone = nil
			w.shutdown = true
			w.killChild()
		}
	}
}

// heartbeat refreshes the worker hash with memory and child load samples,
// keeps the host record alive, and re-polls remote signals.
func (w *Worker) heartbeat(ctx context.Context) {
	fields := map[string]interface{}{}
	if rss, err := residentMemory(); err == nil {
		fields["memory"] = rss / (1024 * 1024)
		metrics.SetWorkerMemory(float64(rss))
	}
	if w.childPID > 0 {
		if crss, cpu, err := procSample(w.childPID); err == nil {
			fields["job_load"] = fmt.Sprintf("%.2f:%d", cpu, crss/(1024*1024))
		}
	}
	if len(fields) > 0 {
		if err := w.client.HSet(ctx, w.keys.Worker(w.id), fields).Err(); err != nil {
			w.log.Warn("Heartbeat write failed", "error", err)
		}
	}
	if err := w.hosts.KeepAlive(ctx, w.hostname); err != nil {
		w.log.Warn("Host keep-alive failed", "error", err)
	}

	w.pollRemoteSignals(ctx)
}

// clearInFlight drops the in-flight metadata after reconciliation
func (w *Worker) clearInFlight(ctx context.Context) {
	w.current = nil
	w.childPID = 0
	if err := w.client.HDel(ctx, w.keys.Worker(w.id),
		"job_id", "job_pid", "job_load", "job_started").Err(); err != nil {
		w.log.Warn("Failed to clear in-flight metadata", "error", err)
	}
}

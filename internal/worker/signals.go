package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/queue"
)

// Command is a typed control instruction delivered to the work loop.
// OS signals and remote signals both resolve to these.
type Command int

const (
	CmdForceShutdown Command = iota
	CmdShutdown
	CmdCancel
	CmdPause
	CmdResume
	CmdWakeup
	CmdReconnect
)

func (c Command) String() string {
	switch c {
	case CmdForceShutdown:
		return "force_shutdown"
	case CmdShutdown:
		return "shutdown"
	case CmdCancel:
		return "cancel"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdWakeup:
		return "wakeup"
	case CmdReconnect:
		return "reconnect"
	}
	return "unknown"
}

// Remote signal verbs accepted from the global and per-worker slots
var remoteCommands = map[string]Command{
	"FORCESHUTDOWN": CmdForceShutdown,
	"QUIT":          CmdShutdown,
	"CANCEL":        CmdCancel,
	"PAUSE":         CmdPause,
	"RESUME":        CmdResume,
}

// InstallSignalHandlers maps process signals onto the command channel:
// TERM/INT force shutdown, QUIT drains, USR1 cancels the current job,
// USR2 pauses, CONT resumes, PIPE pings Redis (see reconnect).
func (w *Worker) InstallSignalHandlers(ctx context.Context) {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT, syscall.SIGPIPE)

	go func() {
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigs)
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					w.send(CmdForceShutdown)
				case syscall.SIGQUIT:
					w.send(CmdShutdown)
				case syscall.SIGUSR1:
					w.send(CmdCancel)
				case syscall.SIGUSR2:
					w.send(CmdPause)
				case syscall.SIGCONT:
					w.send(CmdResume)
				case syscall.SIGPIPE:
					w.send(CmdReconnect)
				}
			}
		}
	}()
}

// send enqueues a command without ever blocking the signal path
func (w *Worker) send(c Command) {
	select {
	case w.commands <- c:
	default:
	}
}

// pollRemoteSignals reads the three remote slots: the global signal (only
// re-applied when its value changes), the per-worker signal (delete on
// read), and the current job's override pair.
func (w *Worker) pollRemoteSignals(ctx context.Context) {
	// Global slot
	gsig, err := w.client.HGet(ctx, w.keys.Global(), "signal").Result()
	if err != nil && !isNilErr(err) {
		w.log.Warn("Failed to read global signal", "error", err)
	}
	if gsig != "" && gsig != w.lastGSignal {
		w.lastGSignal = gsig
		if err := w.client.HSet(ctx, w.keys.Worker(w.id), "last_g_signal", gsig).Err(); err != nil {
			w.log.Warn("Failed to store last_g_signal", "error", err)
		}
		if cmd, ok := remoteCommands[gsig]; ok {
			w.log.Info("Applying global signal", "signal", gsig)
			w.send(cmd)
		}
	}

	// Per-worker slot, delete on read
	wsig, err := w.client.HGet(ctx, w.keys.Worker(w.id), "signal").Result()
	if err != nil && !isNilErr(err) {
		w.log.Warn("Failed to read worker signal", "error", err)
	}
	if wsig != "" {
		_ = w.client.HDel(ctx, w.keys.Worker(w.id), "signal").Err()
		if cmd, ok := remoteCommands[wsig]; ok {
			w.log.Info("Applying worker signal", "signal", wsig)
			w.send(cmd)
		}
	}

	// Override pair on the current job
	if w.current != nil {
		if status, _, err := w.current.Override(ctx); err == nil && status.Terminal() {
			w.send(CmdCancel)
		}
	}
}

// applyCommand mutates loop state for one command. It returns true when
// the loop should re-check its exit condition immediately.
func (w *Worker) applyCommand(ctx context.Context, cmd Command) bool {
	switch cmd {
	case CmdForceShutdown:
		w.log.Warn("Force shutdown requested")
		w.bus.Emit(events.WorkerForceShutdown, w)
		w.forceShutdown = true
		w.shutdown = true
		w.killChild()
		return true
	case CmdShutdown:
		w.log.Info("Graceful shutdown requested")
		w.bus.Emit(events.WorkerShutdown, w)
		w.shutdown = true
		return true
	case CmdCancel:
		w.cancelChild()
	case CmdPause:
		if !w.paused {
			w.paused = true
			w.setStatus(ctx, StatusPaused)
			w.bus.Emit(events.WorkerPause, w)
		}
	case CmdResume:
		if w.paused {
			w.paused = false
			w.setStatus(ctx, StatusRunning)
			w.bus.Emit(events.WorkerResume, w)
		}
	case CmdWakeup:
		w.bus.Emit(events.WorkerWakeup, w)
	case CmdReconnect:
		w.reconnect(ctx)
	}
	return false
}

// drainCommands applies everything queued without blocking
func (w *Worker) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-w.commands:
			w.applyCommand(ctx, cmd)
		default:
			return
		}
	}
}

// killChild delivers SIGKILL to the running child, if any
func (w *Worker) killChild() {
	if w.childPID > 0 {
		w.bus.Emit(events.WorkerKillChild, w)
		_ = syscall.Kill(w.childPID, syscall.SIGKILL)
	}
}

// cancelChild asks the running child to cancel via SIGUSR1
func (w *Worker) cancelChild() {
	if w.childPID > 0 {
		w.log.Info("Cancelling current job", "child_pid", w.childPID)
		_ = syscall.Kill(w.childPID, syscall.SIGUSR1)
	}
}

// reconnect answers a PIPE by pinging Redis through the existing client;
// pooled connections are not closed or replaced here
func (w *Worker) reconnect(ctx context.Context) {
	w.log.Info("Reconnecting Redis")
	if err := w.client.Ping(ctx).Err(); err != nil {
		w.log.Warn("Redis ping failed after reconnect", "error", err)
	}
}

// dedicatedBlocked reports whether cluster dedicated mode names a
// different worker, which pauses this one for the iteration.
func (w *Worker) dedicatedBlocked(ctx context.Context) bool {
	if !w.opts.DedicatedLock {
		return false
	}
	ded, err := w.client.HGet(ctx, w.keys.Global(), "dedicated").Result()
	if err != nil {
		return false
	}
	return ded != "" && ded != w.id
}

// SetDedicated names the single worker allowed to execute cluster-wide
func SetDedicated(ctx context.Context, client *redis.Client, keys queue.Keys, workerID string) error {
	return client.HSet(ctx, keys.Global(), "dedicated", workerID).Err()
}

// RemoveDedicated clears dedicated mode and bumps the cluster token
func RemoveDedicated(ctx context.Context, client *redis.Client, keys queue.Keys) error {
	pipe := client.TxPipeline()
	pipe.HDel(ctx, keys.Global(), "dedicated")
	pipe.HIncrBy(ctx, keys.Global(), "cluster", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// isNilErr reports the go-redis missing-key error
func isNilErr(err error) bool {
	return err == redis.Nil
}

package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	berrors "github.com/botqueue/botq/internal/errors"
	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/handler"
)

// ErrWallClock is returned by Perform when the per-job wall limit expires
// while the handler is still running. The child exits on it without
// recording a terminal state (only the captured output is persisted),
// leaving the job RUNNING for the parent to fail as dirty.
var ErrWallClock = errors.New("wall-clock limit exceeded")

// outputStreamTTL applies to retained per-job output streams
const outputStreamTTL = 86400 * time.Second

// outputStreamMaxLen approximately bounds the per-job output stream
const outputStreamMaxLen = 1000

// Perform executes the job in the current process: the child side of the
// fork boundary. Every outcome is routed into a packet transition; no
// handler error escapes to the caller except ErrWallClock.
func (m *Manager) Perform(ctx context.Context, j *Job, onWorker bool) error {
	j.onWorker = onWorker

	if m.registry == nil {
		return j.Fail(ctx, fmt.Errorf("no handler registry configured"), false)
	}

	if !m.bus.Emit(events.JobPerform, j) {
		return j.Cancel(ctx, "vetoed by perform listener")
	}

	// Remote override observed at perform start
	if status, reason, err := j.Override(ctx); err == nil && status == StatusCancelled {
		return j.Cancel(ctx, reason)
	}

	// Re-assert uniqueness; a perform-time rejection cancels
	admitted, err := m.admit(ctx, j, true)
	if err != nil {
		return j.Fail(ctx, err, false)
	}
	if !admitted {
		return j.Cancel(ctx, "duplicate of in-flight job")
	}

	h, method, err := m.registry.Resolve(j.class)
	if err != nil {
		return j.Fail(ctx, err, false)
	}

	ow := m.newOutputWriter(j, h)
	j.out = ow
	defer func() {
		j.out = nil
		output, latest := ow.aggregate()
		j.persistOutput(context.WithoutCancel(ctx), output, latest)
	}()

	if su, ok := h.(handler.SetUpper); ok {
		if err := su.SetUp(ctx, j.data); err != nil {
			return m.dispatchError(ctx, j, err)
		}
	}
	if td, ok := h.(handler.TearDowner); ok {
		defer td.TearDown(context.WithoutCancel(ctx))
	}

	m.bus.Emit(events.JobPerforming, j)

	// The handler runs in its own goroutine so the wall clock and cancel
	// signals stay observable even when the handler ignores its context
	done := make(chan error, 1)
	go func() {
		var perr error
		func() {
			defer berrors.CapturePanic(&perr)
			perr = handler.Call(ctx, h, method, j.data, j)
		}()
		done <- perr
	}()

	select {
	case perr := <-done:
		if perr == nil {
			return j.Complete(ctx)
		}
		return m.dispatchError(ctx, j, perr)

	case <-ctx.Done():
		cause := context.Cause(ctx)
		if c, ok := berrors.AsCancel(cause); ok {
			return j.Cancel(context.WithoutCancel(ctx), c.Reason)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrWallClock
		}
		return m.dispatchError(context.WithoutCancel(ctx), j, cause)
	}
}

// dispatchError routes a handler error into the matching transition
func (m *Manager) dispatchError(ctx context.Context, j *Job, err error) error {
	ctx = context.WithoutCancel(ctx)
	if c, ok := berrors.AsCancel(err); ok {
		return j.Cancel(ctx, c.Reason)
	}
	if _, ok := berrors.AsRetry(err); ok {
		return j.Fail(ctx, err, true)
	}
	return j.Fail(ctx, err, false)
}

// outputWriter forwards each flush to the job's bounded output stream,
// the aggregate stream, and the optional pub/sub channel, while keeping
// the aggregate for the packet's output field.
type outputWriter struct {
	m       *Manager
	j       *Job
	channel string
	retain  bool

	mu     sync.Mutex
	buf    strings.Builder
	latest string
}

// newOutputWriter queries the handler's output capabilities
func (m *Manager) newOutputWriter(j *Job, h handler.Performer) *outputWriter {
	w := &outputWriter{m: m, j: j}
	if c, ok := h.(handler.Channeler); ok {
		w.channel = c.Channel(j.data)
	}
	if o, ok := h.(handler.Outputter); ok {
		w.retain = o.CaptureOutput()
	}
	return w
}

// Write implements io.Writer; each call is one flush
func (w *outputWriter) Write(p []byte) (int, error) {
	line := string(p)

	w.mu.Lock()
	w.buf.WriteString(line)
	if trimmed := strings.TrimRight(line, "\n"); trimmed != "" {
		w.latest = trimmed
	}
	latest := w.latest
	w.mu.Unlock()

	ctx := context.Background()
	pipe := w.m.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: w.m.keys.JobOutput(w.j.id),
		MaxLen: outputStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"line": line},
	})
	if w.retain {
		pipe.Expire(ctx, w.m.keys.JobOutput(w.j.id), outputStreamTTL)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: w.m.keys.BotOutput(),
		MaxLen: outputStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"job_id": w.j.id, "line": line},
	})
	pipe.HSet(ctx, w.m.keys.Job(w.j.id), fieldLatestLine, latest)
	if w.channel != "" {
		pipe.Publish(ctx, w.m.keys.Channel(w.channel), line)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.m.log.Warn("Failed to forward job output", "job_id", w.j.id, "error", err)
	}

	return len(p), nil
}

// aggregate returns the accumulated output and the last non-empty line
func (w *outputWriter) aggregate() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String(), w.latest
}

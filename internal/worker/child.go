package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	berrors "github.com/botqueue/botq/internal/errors"
	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/handler"
	"github.com/botqueue/botq/internal/job"
	"github.com/botqueue/botq/internal/logger"
	"github.com/botqueue/botq/internal/queue"
)

// ChildOptions configures the child side of the fork boundary
type ChildOptions struct {
	RedisURL   string
	Namespace  string
	JobID      string
	Queue      string
	WorkerID   string
	JobTimeout time.Duration
	Registry   *handler.Registry
	Bus        *events.Bus
	Expiry     time.Duration
}

// ErrChildTimeout is returned when the job's wall clock expired; the
// caller is expected to exit non-zero so the parent fails the job dirty.
var ErrChildTimeout = job.ErrWallClock

// RunChild executes one claimed job in this process. It opens its own
// Redis connection (the fork shares no descriptors with the parent beyond
// stdio), installs the cancel hooks, and routes the handler's outcome into
// a packet transition (a terminal state, or back to waiting or delayed
// under the retry policy) before returning. On wall-clock expiry it
// returns ErrChildTimeout without recording a transition.
func RunChild(ctx context.Context, opts ChildOptions) error {
	log := logger.Default().WithComponent(logger.ComponentWorker).ForJob(opts.JobID)

	ropts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	ropts.ClientName = "botq-job-" + opts.JobID
	client := redis.NewClient(ropts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("child failed to connect to Redis: %w", err)
	}

	q := queue.NewWithClient(client, opts.Namespace)
	m := job.NewManager(q, opts.Bus, opts.Registry, opts.Expiry)
	opts.Bus.Emit(events.WorkerForkChild, opts.WorkerID, opts.JobID)

	j, err := m.Load(ctx, opts.JobID)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("job %s not found", opts.JobID)
	}

	// Cancel and shutdown hooks: USR1 cancels, TERM is captured and
	// routed through the failure path rather than lost
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGUSR1:
				cancel(&berrors.Cancel{Reason: "cancelled by signal"})
			case syscall.SIGTERM:
				cancel(fmt.Errorf("child terminated"))
			}
		}
	}()

	if opts.JobTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, opts.JobTimeout)
		defer tcancel()
	}

	log.Info("Performing job", "job_id", j.ID(), "queue", j.Queue(), "class", j.Class())
	return m.Perform(ctx, j, true)
}

package job

import (
	"context"
	"strconv"
	"time"

	berrors "github.com/botqueue/botq/internal/errors"
	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/queue"
)

// Complete retires the job as COMPLETE: running and processing entries are
// cleared, the processed archive is stamped, progress forced to 100, the
// uniqueness lock released, and the packet put on its terminal TTL.
func (j *Job) Complete(ctx context.Context) error {
	now := time.Now()
	if err := j.setStatus(ctx, StatusComplete); err != nil {
		return err
	}
	if err := j.m.queues.Ack(ctx, j.queueName, j.workerID, j.payload, queue.ArchiveProcessed, now); err != nil {
		return err
	}
	j.m.releaseUnique(ctx, j)
	j.m.settleSubjects(ctx, j)
	j.recordStats(ctx, StatusComplete, now)
	j.expire(ctx)

	j.m.bus.Emit(events.JobComplete, j)
	j.m.bus.Emit(events.JobDone, j)
	return nil
}

// Cancel retires the job as CANCELLED with the given reason
func (j *Job) Cancel(ctx context.Context, reason string) error {
	now := time.Now()
	if err := j.setStatus(ctx, StatusCancelled); err != nil {
		return err
	}
	if reason != "" {
		_ = j.m.client.HSet(ctx, j.m.keys.Job(j.id), fieldOverrideReason, reason).Err()
	}
	if err := j.m.queues.Ack(ctx, j.queueName, j.workerID, j.payload, queue.ArchiveCancelled, now); err != nil {
		return err
	}
	j.m.releaseUnique(ctx, j)
	j.m.settleSubjects(ctx, j)
	j.recordStats(ctx, StatusCancelled, now)
	j.expire(ctx)

	j.m.bus.Emit(events.JobCancelled, j)
	j.m.bus.Emit(events.JobDone, j)
	return nil
}

// Fail applies the failure path. With mustRequeue (a handler Retry) the
// job is re-delayed past the threshold check. Otherwise the failure count
// decides: below the direct-requeue limit the payload goes straight back
// to waiting; below the threshold it is re-delayed with randomized
// exponential backoff; at the threshold it goes terminal FAILED.
func (j *Job) Fail(ctx context.Context, cause error, mustRequeue bool) error {
	now := time.Now()

	trace := ""
	if p, ok := cause.(*berrors.PanicError); ok {
		trace = p.Stacktrace
		j.m.log.Error("Job handler panicked",
			"job_id", j.id, "panic", berrors.FormatPanicForLog(p))
	}
	if err := j.appendException(ctx, cause, trace); err != nil {
		j.m.log.Warn("Failed to record exception", "job_id", j.id, "error", err)
	}

	j.m.bus.Emit(events.JobFailure, j, cause)

	if mustRequeue {
		var delay int64
		if r, ok := berrors.AsRetry(cause); ok {
			delay = r.Delay
		}
		runAt := resolveRetryDelay(delay, now)
		return j.redelay(ctx, runAt, now)
	}

	n, err := j.incrFailedCount(ctx)
	if err != nil {
		return err
	}

	threshold := j.retryThreshold()
	switch {
	case n < directRequeueLimit:
		// Transient blip: straight back to the tail of waiting
		if err := j.setStatus(ctx, StatusWaiting); err != nil {
			return err
		}
		if err := j.m.queues.Requeue(ctx, j.queueName, j.workerID, j.payload); err != nil {
			return err
		}
		if err := j.m.queues.RecordRetry(ctx, j.queueName, j.payload, now); err != nil {
			return err
		}
		j.m.log.Info("Job requeued after failure",
			"job_id", j.id, "failed_count", n, "error", cause)
		return nil

	case threshold == unlimitedRetries || n < threshold:
		runAt := now.Add(backoffDelay(n))
		return j.redelay(ctx, runAt, now)

	default:
		if err := j.setStatus(ctx, StatusFailed); err != nil {
			return err
		}
		if err := j.m.queues.Ack(ctx, j.queueName, j.workerID, j.payload, queue.ArchiveFailed, now); err != nil {
			return err
		}
		j.m.releaseUnique(ctx, j)
		j.m.settleSubjects(ctx, j)
		j.recordStats(ctx, StatusFailed, now)
		j.expire(ctx)
		j.m.log.Error("Job failed terminally",
			"job_id", j.id, "failed_count", n, "threshold", threshold, "error", cause)

		j.m.bus.Emit(events.JobDone, j)
		return nil
	}
}

// redelay moves the job into its queue's delayed set
func (j *Job) redelay(ctx context.Context, runAt, now time.Time) error {
	if err := j.setStatus(ctx, StatusDelayed); err != nil {
		return err
	}
	if err := j.m.client.HSet(ctx, j.m.keys.Job(j.id), fieldDelayedUntil, runAt.Unix()).Err(); err != nil {
		return err
	}
	if err := j.m.queues.Redelay(ctx, j.queueName, j.workerID, j.payload, runAt); err != nil {
		return err
	}
	if err := j.m.queues.RecordRetry(ctx, j.queueName, j.payload, now); err != nil {
		return err
	}
	j.m.log.Info("Job re-delayed after failure", "job_id", j.id, "run_at", runAt.Unix())
	return nil
}

// recordStats maintains the per-presentation stat hash and the global
// time/count leaderboards. Only jobs executed under a worker participate.
func (j *Job) recordStats(ctx context.Context, s Status, finished time.Time) {
	if !j.onWorker {
		return
	}

	presentation := j.presentation()
	statKey := j.m.keys.StatPresentation(presentation)

	// Interval since the recorded start, for the running mean
	var interval float64
	if raw, err := j.m.client.HGet(ctx, j.m.keys.Job(j.id), fieldStarted).Result(); err == nil {
		if started, err := strconv.ParseInt(raw, 10, 64); err == nil && started > 0 {
			interval = finished.Sub(time.Unix(started, 0)).Seconds()
		}
	}

	vals, _ := j.m.client.HMGet(ctx, statKey, "mean", "count").Result()
	var mean float64
	var count int64
	if len(vals) == 2 {
		if raw, ok := vals[0].(string); ok {
			mean, _ = strconv.ParseFloat(raw, 64)
		}
		if raw, ok := vals[1].(string); ok {
			count, _ = strconv.ParseInt(raw, 10, 64)
		}
	}
	count++
	mean += (interval - mean) / float64(count)

	member := s.String() + "::" + presentation
	pipe := j.m.client.Pipeline()
	pipe.HSet(ctx, statKey, map[string]interface{}{
		"recent": finished.Unix(),
		"mean":   mean,
		"count":  count,
	})
	pipe.ZIncrBy(ctx, j.m.keys.JobsTime(), interval, member)
	pipe.ZIncrBy(ctx, j.m.keys.JobsCount(), 1, member)
	if _, err := pipe.Exec(ctx); err != nil {
		j.m.log.Warn("Failed to record job stats", "job_id", j.id, "error", err)
	}
}

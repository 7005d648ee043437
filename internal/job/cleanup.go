package job

import (
	"context"
	"time"

	berrors "github.com/botqueue/botq/internal/errors"
	"github.com/botqueue/botq/internal/queue"
)

// Cleanup sweeps the given queues for zombie jobs: running-set entries
// whose recorded worker is no longer registered are failed terminally with
// a Zombie error. Processed archives older than the expiry window are
// trimmed in the same pass. Run at worker startup and every cleanup cycle.
func (m *Manager) Cleanup(ctx context.Context, queues []string) error {
	now := time.Now()

	for _, name := range queues {
		entries, err := m.queues.RunningOlderThan(ctx, name, now)
		if err != nil {
			return err
		}

		for _, payload := range entries {
			j, err := m.FromPayload(name, payload)
			if err != nil {
				m.log.Warn("Corrupt payload in running set", "queue", name, "error", err)
				continue
			}

			loaded, err := m.Load(ctx, j.id)
			if err != nil {
				return err
			}
			owner := ""
			if loaded != nil {
				owner = loaded.workerID
			}

			if owner != "" {
				registered, err := m.client.SIsMember(ctx, m.keys.Workers(), owner).Result()
				if err != nil {
					return err
				}
				if registered {
					continue
				}
			}

			// The worker is gone; fail the job where it stands
			j.workerID = owner
			m.log.Warn("Failing zombie job", "job_id", j.id, "queue", name, "worker_id", owner)
			if err := j.failZombie(ctx, &berrors.Zombie{WorkerID: owner}); err != nil {
				return err
			}
		}

		if err := m.queues.TrimProcessed(ctx, name, now.Add(-m.expiry)); err != nil {
			return err
		}
	}

	return nil
}

// failZombie retires an orphaned job as FAILED directly, skipping the
// retry evaluation: there is no executor left to hand the retry to.
func (j *Job) failZombie(ctx context.Context, cause error) error {
	now := time.Now()
	if err := j.appendException(ctx, cause, ""); err != nil {
		j.m.log.Warn("Failed to record zombie exception", "job_id", j.id, "error", err)
	}
	if err := j.setStatus(ctx, StatusFailed); err != nil {
		return err
	}
	if err := j.m.queues.Ack(ctx, j.queueName, j.workerID, j.payload, queue.ArchiveFailed, now); err != nil {
		return err
	}
	j.m.releaseUnique(ctx, j)
	j.m.settleSubjects(ctx, j)
	j.expire(ctx)
	return nil
}

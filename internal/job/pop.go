package job

import (
	"context"
	"time"

	"github.com/botqueue/botq/internal/events"
)

// Pop claims the next job for workerID from the given queues, in order.
// In blocking mode each queue gets one blocking pop of up to timeout per
// cycle; otherwise each queue gets one non-blocking attempt and the first
// hit wins. On success the payload has already moved into the worker's
// processing list, the running set is stamped, and the packet is RUNNING.
// Returns nil when every queue came up empty.
func (m *Manager) Pop(ctx context.Context, queues []string, timeout time.Duration, blocking bool, workerID string) (*Job, error) {
	for _, name := range queues {
		var payload string
		var err error
		if blocking {
			payload, err = m.queues.PopBlocking(ctx, name, workerID, timeout)
		} else {
			payload, err = m.queues.Pop(ctx, name, workerID)
		}
		if err != nil {
			return nil, err
		}
		if payload == "" {
			continue
		}
		return m.claim(ctx, name, payload, workerID)
	}
	return nil, nil
}

// claim finishes the transition of a popped payload into RUNNING
func (m *Manager) claim(ctx context.Context, queueName, payload, workerID string) (*Job, error) {
	j, err := m.FromPayload(queueName, payload)
	if err != nil {
		// The payload is already in the processing list; push it back so
		// a corrupt entry is not silently dropped
		m.log.Error("Corrupt payload claimed", "queue", queueName, "error", err)
		_ = m.queues.Requeue(ctx, queueName, workerID, payload)
		return nil, err
	}

	j.workerID = workerID
	if err := m.queues.MarkRunning(ctx, queueName, payload, time.Now()); err != nil {
		return nil, err
	}
	if err := j.setStatus(ctx, StatusRunning); err != nil {
		return nil, err
	}

	m.bus.Emit(events.JobRunning, j)
	return j, nil
}

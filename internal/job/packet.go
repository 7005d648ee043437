package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Packet hash field names
const (
	fieldQueue          = "queue"
	fieldClass          = "class"
	fieldData           = "data"
	fieldPayload        = "payload"
	fieldStatus         = "status"
	fieldCreated        = "created"
	fieldUpdated        = "updated"
	fieldStarted        = "started"
	fieldFinished       = "finished"
	fieldDelayedUntil   = "delayed"
	fieldFailedCount    = "failed_count"
	fieldProgress       = "progress"
	fieldLatestLine     = "latest_line"
	fieldOutput         = "output"
	fieldException      = "exception"
	fieldWorker         = "worker"
	fieldOverrideStatus = "override_status"
	fieldOverrideReason = "override_reason"
	fieldSeriesID       = "series_id"
)

// exceptionHistoryLimit bounds the stored exception ring
const exceptionHistoryLimit = 5

// exceptionEntry is one recorded failure
type exceptionEntry struct {
	Error string `json:"error"`
	At    int64  `json:"at"`
	Trace string `json:"trace,omitempty"`
}

// storePacket writes the initial packet hash
func (m *Manager) storePacket(ctx context.Context, j *Job, status Status, runAt time.Time) error {
	now := time.Now().Unix()
	fields := map[string]interface{}{
		fieldQueue:       j.queueName,
		fieldClass:       j.class,
		fieldPayload:     j.payload,
		fieldStatus:      int(status),
		fieldCreated:     now,
		fieldUpdated:     now,
		fieldFailedCount: 0,
		fieldProgress:    0,
		fieldWorker:      "",
	}

	dataJSON, err := EncodeData(j.data)
	if err != nil {
		return err
	}
	fields[fieldData] = dataJSON

	if status == StatusDelayed {
		fields[fieldDelayedUntil] = runAt.Unix()
	}
	if sids := j.SeriesIDs(); len(sids) > 0 {
		raw, _ := json.Marshal(sids)
		fields[fieldSeriesID] = string(raw)
	}

	if err := m.client.HSet(ctx, m.keys.Job(j.id), fields).Err(); err != nil {
		m.log.Error("Failed to store job packet", "job_id", j.id, "error", err)
		return fmt.Errorf("failed to store packet: %w", err)
	}
	return nil
}

// Status reads the packet status; 0 when the packet is gone
func (j *Job) Status(ctx context.Context) (Status, error) {
	raw, err := j.m.client.HGet(ctx, j.m.keys.Job(j.id), fieldStatus).Result()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read status of %s: %w", j.id, err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt status on %s: %w", j.id, err)
	}
	return Status(n), nil
}

// setStatus updates the status and the updated timestamp. Completion also
// forces progress to 100, keeping the progress-complete invariant.
func (j *Job) setStatus(ctx context.Context, s Status) error {
	now := time.Now().Unix()
	fields := map[string]interface{}{
		fieldStatus:  int(s),
		fieldUpdated: now,
	}
	switch s {
	case StatusRunning:
		fields[fieldStarted] = now
		fields[fieldWorker] = j.workerID
	case StatusComplete:
		fields[fieldProgress] = 100
		fields[fieldFinished] = now
	case StatusFailed, StatusCancelled:
		fields[fieldFinished] = now
	case StatusDelayed:
		// caller records the delayed-until score separately
	}
	if err := j.m.client.HSet(ctx, j.m.keys.Job(j.id), fields).Err(); err != nil {
		return fmt.Errorf("failed to set status on %s: %w", j.id, err)
	}
	return nil
}

// SetProgress records 0-100 completion progress
func (j *Job) SetProgress(ctx context.Context, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	err := j.m.client.HSet(ctx, j.m.keys.Job(j.id), map[string]interface{}{
		fieldProgress: pct,
		fieldUpdated:  time.Now().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to set progress on %s: %w", j.id, err)
	}
	return nil
}

// FailedCount reads the packet's failure counter
func (j *Job) FailedCount(ctx context.Context) (int, error) {
	raw, err := j.m.client.HGet(ctx, j.m.keys.Job(j.id), fieldFailedCount).Result()
	if err != nil {
		if isNil(err) {
			return 0, nil
		}
		return 0, err
	}
	n, _ := strconv.Atoi(raw)
	return n, nil
}

// incrFailedCount bumps and returns the failure counter
func (j *Job) incrFailedCount(ctx context.Context) (int, error) {
	n, err := j.m.client.HIncrBy(ctx, j.m.keys.Job(j.id), fieldFailedCount, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count failure on %s: %w", j.id, err)
	}
	return int(n), nil
}

// appendException pushes an entry onto the bounded exception ring
func (j *Job) appendException(ctx context.Context, cause error, trace string) error {
	key := j.m.keys.Job(j.id)

	var ring []exceptionEntry
	if raw, err := j.m.client.HGet(ctx, key, fieldException).Result(); err == nil && raw != "" {
		// A corrupt ring is discarded rather than blocking the failure path
		_ = json.Unmarshal([]byte(raw), &ring)
	}

	ring = append(ring, exceptionEntry{
		Error: cause.Error(),
		At:    time.Now().Unix(),
		Trace: trace,
	})
	if len(ring) > exceptionHistoryLimit {
		ring = ring[len(ring)-exceptionHistoryLimit:]
	}

	raw, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("failed to encode exception ring: %w", err)
	}
	return j.m.client.HSet(ctx, key, fieldException, string(raw)).Err()
}

// Exceptions returns the recorded failure history, oldest first
func (j *Job) Exceptions(ctx context.Context) ([]string, error) {
	raw, err := j.m.client.HGet(ctx, j.m.keys.Job(j.id), fieldException).Result()
	if err != nil {
		if isNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var ring []exceptionEntry
	if err := json.Unmarshal([]byte(raw), &ring); err != nil {
		return nil, fmt.Errorf("corrupt exception ring on %s: %w", j.id, err)
	}
	out := make([]string, len(ring))
	for i, e := range ring {
		out[i] = e.Error
	}
	return out, nil
}

// Override reads the remote-cancel signal pair from the packet
func (j *Job) Override(ctx context.Context) (Status, string, error) {
	vals, err := j.m.client.HMGet(ctx, j.m.keys.Job(j.id), fieldOverrideStatus, fieldOverrideReason).Result()
	if err != nil {
		return 0, "", err
	}
	var status Status
	var reason string
	if raw, ok := vals[0].(string); ok && raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			status = Status(n)
		}
	}
	if raw, ok := vals[1].(string); ok {
		reason = raw
	}
	return status, reason, nil
}

// RequestCancel writes the override pair, asking the current executor to
// cancel the job out-of-band.
func (j *Job) RequestCancel(ctx context.Context, reason string) error {
	return j.m.client.HSet(ctx, j.m.keys.Job(j.id), map[string]interface{}{
		fieldOverrideStatus: int(StatusCancelled),
		fieldOverrideReason: reason,
		fieldUpdated:        time.Now().Unix(),
	}).Err()
}

// persistOutput writes the aggregated output and latest line to the packet
func (j *Job) persistOutput(ctx context.Context, output, latest string) {
	if output == "" && latest == "" {
		return
	}
	fields := map[string]interface{}{fieldUpdated: time.Now().Unix()}
	if output != "" {
		fields[fieldOutput] = output
	}
	if latest != "" {
		fields[fieldLatestLine] = latest
	}
	if err := j.m.client.HSet(ctx, j.m.keys.Job(j.id), fields).Err(); err != nil {
		j.m.log.Warn("Failed to persist job output", "job_id", j.id, "error", err)
	}
}

// expire applies the terminal TTL to the packet
func (j *Job) expire(ctx context.Context) {
	if err := j.m.client.Expire(ctx, j.m.keys.Job(j.id), j.m.expiry).Err(); err != nil {
		j.m.log.Warn("Failed to expire job packet", "job_id", j.id, "error", err)
	}
}

// isNil reports the go-redis missing-key error
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

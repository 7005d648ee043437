// Package job implements the job entity: the payload and packet formats,
// the state machine and its Redis-backed transitions, the retry policy,
// uniqueness admission, child-side execution, and the zombie sweep.
package job

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/botqueue/botq/internal/events"
	"github.com/botqueue/botq/internal/handler"
	"github.com/botqueue/botq/internal/logger"
	"github.com/botqueue/botq/internal/queue"
)

// Status is the job state machine position stored in the packet
type Status int

// Statuses. Failed, Complete, and Cancelled are terminal.
const (
	StatusWaiting   Status = 1
	StatusRunning   Status = 2
	StatusFailed    Status = 3
	StatusComplete  Status = 4
	StatusCancelled Status = 5
	StatusDelayed   Status = 6
)

// Terminal reports whether s admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusComplete || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusDelayed:
		return "delayed"
	}
	return "unknown"
}

// payloadEnvelope is the serialized, immutable job descriptor. The field
// order is fixed so the encoding is stable for a given job.
type payloadEnvelope struct {
	ID    string          `json:"id"`
	Class string          `json:"class"`
	Data  json.RawMessage `json:"data"`
}

// Manager owns the Redis-side job lifecycle. Jobs hold a lookup-only
// reference back to it; the worker owns job lifetimes.
type Manager struct {
	client   *redis.Client
	queues   *queue.RedisQueue
	keys     queue.Keys
	bus      *events.Bus
	registry *handler.Registry
	expiry   time.Duration
	log      *logger.Logger
}

// NewManager wires the job lifecycle onto a queue backend. registry may be
// nil on pure producers; handler resolution then defers to perform time.
func NewManager(q *queue.RedisQueue, bus *events.Bus, registry *handler.Registry, expiry time.Duration) *Manager {
	return &Manager{
		client:   q.Client(),
		queues:   q,
		keys:     q.Keys(),
		bus:      bus,
		registry: registry,
		expiry:   expiry,
		log:      logger.Default().WithComponent(logger.ComponentJob).WithSource(logger.SourceInternal),
	}
}

// Queues exposes the queue backend
func (m *Manager) Queues() *queue.RedisQueue { return m.queues }

// Expiry returns the terminal TTL window
func (m *Manager) Expiry() time.Duration { return m.expiry }

// Jobs expose the handler-facing capability view
var _ handler.Job = (*Job)(nil)

// Job is one unit of work. The struct carries the immutable identity;
// mutable state lives in the Redis packet hash.
type Job struct {
	m *Manager

	id        string
	queueName string
	class     string
	data      *structpb.Value
	payload   string

	// workerID is the claiming executor, set on claim and by Load
	workerID string
	// onWorker marks execution under a worker (stat leaderboards apply)
	onWorker bool
	// out is the live output writer during Perform
	out io.Writer
}

// New validates inputs eagerly and builds a job with its canonical payload.
// An empty queue, an empty class, or (when a registry is configured) an
// unresolvable class fail here, before anything is written to Redis.
func (m *Manager) New(queueName, class string, data *structpb.Value) (*Job, error) {
	if class == "" {
		return nil, fmt.Errorf("class cannot be empty")
	}

	if queueName == "" && m.registry != nil {
		// A handler may name its own default queue
		if h, _, err := m.registry.Resolve(class); err == nil {
			if qd, ok := h.(handler.QueueDefaulter); ok {
				queueName = qd.DefaultQueue()
			}
		}
	}
	if queueName == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}

	if m.registry != nil {
		if _, _, err := m.registry.Resolve(class); err != nil {
			return nil, err
		}
	}

	dataJSON, err := EncodeData(data)
	if err != nil {
		return nil, err
	}

	id := generateID(queueName, class, dataJSON)
	envelope := payloadEnvelope{ID: id, Class: class, Data: json.RawMessage(dataJSON)}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	j := &Job{
		m:         m,
		id:        id,
		queueName: queueName,
		class:     class,
		data:      data,
		payload:   string(raw),
	}

	m.bus.Emit(events.JobInstance, j)
	return j, nil
}

// FromPayload rebuilds a job from its stored payload. The queue name is
// supplied by the index the payload was found in.
func (m *Manager) FromPayload(queueName, payload string) (*Job, error) {
	var envelope payloadEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("corrupt payload: %w", err)
	}
	if envelope.ID == "" || envelope.Class == "" {
		return nil, fmt.Errorf("corrupt payload: missing id or class")
	}

	data, err := DecodeData(string(envelope.Data))
	if err != nil {
		return nil, err
	}

	return &Job{
		m:         m,
		id:        envelope.ID,
		queueName: queueName,
		class:     envelope.Class,
		data:      data,
		payload:   payload,
	}, nil
}

// Load reads a job back from its packet hash. Returns nil when the packet
// does not exist (expired or never stored).
func (m *Manager) Load(ctx context.Context, id string) (*Job, error) {
	fields, err := m.client.HGetAll(ctx, m.keys.Job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	data, err := DecodeData(fields[fieldData])
	if err != nil {
		return nil, err
	}

	return &Job{
		m:         m,
		id:        id,
		queueName: fields[fieldQueue],
		class:     fields[fieldClass],
		data:      data,
		payload:   fields[fieldPayload],
		workerID:  fields[fieldWorker],
	}, nil
}

// Enqueue admits the job and pushes it to its queue's waiting list, or to
// the delayed set when runAt is in the future. The boolean is false when a
// listener vetoed the action or uniqueness rejected the job; a packet that
// could not be stored returns false together with the storage error.
func (m *Manager) Enqueue(ctx context.Context, j *Job, runAt time.Time) (bool, error) {
	delayed := !runAt.IsZero() && runAt.After(time.Now())

	if delayed {
		if !m.bus.Emit(events.JobDelay, j) || !m.bus.Emit(events.JobQueueDelayed, j) {
			return false, nil
		}
	} else {
		if !m.bus.Emit(events.JobQueue, j) {
			return false, nil
		}
	}

	// Enqueue-time uniqueness is silent; the perform-time re-check logs
	admitted, err := m.admit(ctx, j, false)
	if err != nil {
		return false, err
	}
	if !admitted {
		return false, nil
	}

	status := StatusWaiting
	if delayed {
		status = StatusDelayed
	}
	if err := m.storePacket(ctx, j, status, runAt); err != nil {
		return false, err
	}
	m.indexSubjects(ctx, j)

	if delayed {
		if err := m.queues.Schedule(ctx, j.queueName, j.payload, runAt); err != nil {
			return false, err
		}
		m.bus.Emit(events.JobDelayed, j)
		m.bus.Emit(events.JobQueuedDelayed, j)
	} else {
		if err := m.queues.Push(ctx, j.queueName, j.payload); err != nil {
			return false, err
		}
		m.bus.Emit(events.JobQueued, j)
	}

	return true, nil
}

// Create validates, builds, and enqueues in one call
func (m *Manager) Create(ctx context.Context, queueName, class string, data *structpb.Value, runAt time.Time) (*Job, bool, error) {
	j, err := m.New(queueName, class, data)
	if err != nil {
		return nil, false, err
	}
	ok, err := m.Enqueue(ctx, j, runAt)
	return j, ok, err
}

// ID returns the job's opaque 22-character identifier
func (j *Job) ID() string { return j.id }

// Queue returns the queue the job belongs to
func (j *Job) Queue() string { return j.queueName }

// Class returns the handler class name, possibly with an @method suffix
func (j *Job) Class() string { return j.class }

// Data returns the opaque user data tree
func (j *Job) Data() *structpb.Value { return j.data }

// Payload returns the canonical serialized descriptor
func (j *Job) Payload() string { return j.payload }

// Worker returns the id of the executor currently holding the job
func (j *Job) Worker() string { return j.workerID }

// Output returns the live output writer during Perform, io.Discard otherwise
func (j *Job) Output() io.Writer {
	if j.out != nil {
		return j.out
	}
	return io.Discard
}

// SeriesIDs returns the series identifiers from the job data, if any
func (j *Job) SeriesIDs() []string { return dataStrings(j.data, "series_id") }

// Subjects returns the subject identifiers from the job data, if any
func (j *Job) Subjects() []string { return dataStrings(j.data, "subject") }

// presentation names the job for stat leaderboards
func (j *Job) presentation() string {
	if j.m.registry != nil {
		if h, _, err := j.m.registry.Resolve(j.class); err == nil {
			if p, ok := h.(handler.Presenter); ok {
				if name := p.Presentation(j.data); name != "" {
					return name
				}
			}
		}
	}
	return j.class
}

// indexSubjects records the job in its series and pending-subject zsets
func (m *Manager) indexSubjects(ctx context.Context, j *Job) {
	now := float64(time.Now().Unix())
	pipe := m.client.Pipeline()
	for _, sid := range j.SeriesIDs() {
		pipe.ZAdd(ctx, m.keys.Series(sid), redis.Z{Score: now, Member: j.id})
	}
	for _, s := range j.Subjects() {
		pipe.ZAdd(ctx, m.keys.SubjectPending(s), redis.Z{Score: now, Member: j.id})
	}
	// Indexing is best-effort
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("Failed to index job subjects", "job_id", j.id, "error", err)
	}
}

// settleSubjects moves the job's pending subject entries into done
func (m *Manager) settleSubjects(ctx context.Context, j *Job) {
	now := float64(time.Now().Unix())
	pipe := m.client.Pipeline()
	for _, s := range j.Subjects() {
		pipe.ZRem(ctx, m.keys.SubjectPending(s), j.id)
		pipe.ZAdd(ctx, m.keys.SubjectDone(s), redis.Z{Score: now, Member: j.id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("Failed to settle job subjects", "job_id", j.id, "error", err)
	}
}

// generateID derives a 22-character id from the queue, a high-resolution
// timestamp, and a hash of the job identity plus a random nonce. Unique
// without coordination; no structural meaning.
func generateID(queueName, class, dataJSON string) string {
	seed := fmt.Sprintf("%s|%d|%s|%s|%s",
		queueName, time.Now().UnixNano(), class, dataJSON, uuid.NewString())
	sum := sha1.Sum([]byte(seed))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:22]
}

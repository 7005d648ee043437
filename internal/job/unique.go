package job

import (
	"context"
	"time"

	"github.com/botqueue/botq/internal/handler"
)

// Uniqueness admission constants
const (
	// uniqueLockTTL bounds how long a signature lock can outlive its owner
	uniqueLockTTL = 2 * time.Hour

	// duplicatesLimit caps the rejected-payload tail
	duplicatesLimit = 300
)

// releaseUniqueScript deletes the lock only while this job still owns it
const releaseUniqueScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// signature asks the handler's Signer capability for the job's mutex
// signature; empty means the job is not uniqueness-controlled.
func (m *Manager) signature(j *Job) string {
	if m.registry == nil {
		return ""
	}
	h, _, err := m.registry.Resolve(j.class)
	if err != nil {
		return ""
	}
	s, ok := h.(handler.Signer)
	if !ok {
		return ""
	}
	return s.Signature(j.data)
}

// admit enforces at-most-one-in-flight per signature. It returns false
// when another live job holds the lock; the rejected payload is recorded
// in the capped duplicates tail.
func (m *Manager) admit(ctx context.Context, j *Job, logging bool) (bool, error) {
	sig := m.signature(j)
	if sig == "" {
		return true, nil
	}

	key := m.keys.Unique(sig)
	acquired, err := m.client.SetNX(ctx, key, j.id, uniqueLockTTL).Result()
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	ownerID, err := m.client.Get(ctx, key).Result()
	if err != nil && !isNil(err) {
		return false, err
	}

	takeover := false
	switch {
	case ownerID == "" || ownerID == j.id:
		takeover = true
	default:
		owner, err := m.Load(ctx, ownerID)
		if err != nil {
			return false, err
		}
		if owner == nil {
			takeover = true
		} else {
			status, err := owner.Status(ctx)
			if err != nil {
				return false, err
			}
			if status == 0 || status.Terminal() {
				takeover = true
			}
		}
	}

	if takeover {
		if err := m.client.Set(ctx, key, j.id, uniqueLockTTL).Err(); err != nil {
			return false, err
		}
		return true, nil
	}

	if logging {
		m.log.Warn("Job rejected by uniqueness lock",
			"job_id", j.id, "signature", sig, "owner", ownerID)
	}

	pipe := m.client.Pipeline()
	pipe.LPush(ctx, m.keys.Duplicates(), j.payload)
	pipe.LTrim(ctx, m.keys.Duplicates(), 0, duplicatesLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return false, nil
}

// releaseUnique drops the signature lock if this job still owns it
func (m *Manager) releaseUnique(ctx context.Context, j *Job) {
	sig := m.signature(j)
	if sig == "" {
		return
	}
	if err := m.client.Eval(ctx, releaseUniqueScript, []string{m.keys.Unique(sig)}, j.id).Err(); err != nil && !isNil(err) {
		m.log.Warn("Failed to release uniqueness lock", "job_id", j.id, "signature", sig, "error", err)
	}
}

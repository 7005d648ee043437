// Package queue implements the Redis-side queue layout: per-queue waiting
// lists, delayed and running sorted sets, terminal archives, per-worker
// processing lists, and the stats counters kept alongside them. It operates
// on opaque payload strings; job semantics live one level up.
package queue

// Archive states recorded as per-queue zsets scored by finish time
const (
	ArchiveProcessed   = "processed"
	ArchiveCancelled   = "cancelled"
	ArchiveFailed      = "failed"
	ArchiveFailRetried = "fail_retried"
)

// Keys derives every Redis key from the configured namespace. The zero
// value produces unprefixed keys.
type Keys struct {
	ns string
}

// NewKeys creates a key generator for the namespace prefix
func NewKeys(namespace string) Keys {
	return Keys{ns: namespace}
}

// QueueSet is the set of known queue names
func (k Keys) QueueSet() string { return k.ns + "queues" }

// Waiting is the list of waiting payloads for a queue
func (k Keys) Waiting(q string) string { return k.ns + "queue:" + q }

// Delayed is the zset of scheduled payloads scored by time-to-run
func (k Keys) Delayed(q string) string { return k.ns + "queue:" + q + ":delayed" }

// Running is the zset of in-flight payloads scored by start time
func (k Keys) Running(q string) string { return k.ns + "queue:" + q + ":running" }

// Archive is a terminal zset (processed, cancelled, failed, fail_retried)
func (k Keys) Archive(q, state string) string { return k.ns + "queue:" + q + ":" + state }

// Processing is the reliable-queue list of payloads a worker holds in flight
func (k Keys) Processing(q, workerID string) string {
	return k.ns + "queue:" + q + ":" + workerID + ":processing_list"
}

// QueueStats is the per-queue counter hash
func (k Keys) QueueStats(q string) string { return k.ns + "queue:" + q + ":stats" }

// Stats is the global counter hash
func (k Keys) Stats() string { return k.ns + "stats" }

// Job is the packet hash of a job
func (k Keys) Job(id string) string { return k.ns + "job:" + id }

// JobOutput is the bounded output stream of a job
func (k Keys) JobOutput(id string) string { return k.ns + "job:" + id + ":output" }

// BotOutput is the aggregate output stream
func (k Keys) BotOutput() string { return k.ns + "bot-output" }

// Workers is the set of registered worker ids
func (k Keys) Workers() string { return k.ns + "workers" }

// Worker is a worker's packet hash
func (k Keys) Worker(id string) string { return k.ns + "worker:" + id }

// Hosts is the set of known host names
func (k Keys) Hosts() string { return k.ns + "hosts" }

// Host is the set of worker ids registered on a host
func (k Keys) Host(name string) string { return k.ns + "host:" + name }

// Unique is the mutex-signature admission lock
func (k Keys) Unique(sig string) string { return k.ns + "unique:job:" + sig }

// Global is the cluster-wide hash (dedicated, signal, cluster)
func (k Keys) Global() string { return k.ns + "global" }

// Duplicates is the capped tail of payloads rejected by uniqueness
func (k Keys) Duplicates() string { return k.ns + "duplicates" }

// SubjectPending tracks jobs pending for a subject
func (k Keys) SubjectPending(subject string) string { return k.ns + "jobsubject:pending:" + subject }

// SubjectDone tracks jobs finished for a subject
func (k Keys) SubjectDone(subject string) string { return k.ns + "jobsubject:done:" + subject }

// Series groups jobs sharing a series id
func (k Keys) Series(sid string) string { return k.ns + "jobseries:" + sid }

// StatPresentation is the per-presentation stat hash
func (k Keys) StatPresentation(p string) string { return k.ns + "jobs:stat:" + p }

// JobsTime is the cumulative-duration leaderboard keyed by status::presentation
func (k Keys) JobsTime() string { return k.ns + "jobs:time" }

// JobsCount is the completion-count leaderboard keyed by status::presentation
func (k Keys) JobsCount() string { return k.ns + "jobs:count" }

// Channel names the pub/sub channel for handler-supplied channel names.
// Pub/sub channels are not keys and carry no namespace.
func (k Keys) Channel(ch string) string { return "bot-channel-" + ch }

// Namespace returns the configured prefix
func (k Keys) Namespace() string { return k.ns }

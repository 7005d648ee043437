package job

import (
	"math/rand"
	"time"
)

// Retry policy constants
const (
	// retryDelayBoundary splits Retry delays: values below are relative
	// seconds, values at or above are absolute Unix times. Kept for
	// compatibility; a literal 3-year relative delay is indistinguishable
	// from an epoch near 1973.
	retryDelayBoundary = 94608000

	// directRequeueLimit is the failure count below which a job re-enters
	// the waiting list immediately, bypassing backoff and threshold
	directRequeueLimit = 2

	// defaultRetryThreshold is the failure count at which a job goes
	// terminal FAILED, absent a per-job override
	defaultRetryThreshold = 3

	// unlimitedRetries disables the threshold entirely
	unlimitedRetries = -2

	// maxBackoff caps the randomized exponential delay
	maxBackoff = 180 * time.Second
)

// retryThreshold reads the per-job threshold override from the data tree
func (j *Job) retryThreshold() int {
	if n, ok := dataInt(j.data, "retry_threshold"); ok {
		return int(n)
	}
	return defaultRetryThreshold
}

// resolveRetryDelay turns a handler-supplied Retry delay into a run time
func resolveRetryDelay(delay int64, now time.Time) time.Time {
	if delay >= retryDelayBoundary {
		return time.Unix(delay, 0)
	}
	if delay < 0 {
		delay = 0
	}
	return now.Add(time.Duration(delay) * time.Second)
}

// backoffDelay picks a randomized exponential delay for the nth failure:
// uniform in [2^n/2, 2^n] seconds, capped at maxBackoff.
func backoffDelay(n int) time.Duration {
	if n > 8 {
		n = 8 // 2^8 already exceeds the cap
	}
	span := int64(1) << uint(n)
	lo := span / 2
	if lo < 1 {
		lo = 1
	}
	secs := lo + rand.Int63n(span-lo+1)
	d := time.Duration(secs) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Package errors carries the job-control error taxonomy and panic capture
// used across the worker runtime.
package errors

import (
	"errors"
	"fmt"
)

// Cancel terminates a job without retry. Raised by handlers, by the
// perform-time uniqueness check, and by the remote override signal.
type Cancel struct {
	Reason string
}

// Error implements the error interface
func (c *Cancel) Error() string {
	if c.Reason == "" {
		return "job cancelled"
	}
	return fmt.Sprintf("job cancelled: %s", c.Reason)
}

// Retry re-delays a job, bypassing the failure threshold.
// Delay values below the absolute-epoch boundary are relative seconds;
// values at or above it are absolute Unix times.
type Retry struct {
	Delay int64
}

// Error implements the error interface
func (r *Retry) Error() string {
	return fmt.Sprintf("job requested retry (delay=%d)", r.Delay)
}

// Dirty marks a job whose child process exited without recording a
// terminal state, or exited non-zero.
type Dirty struct {
	Detail string
}

// Error implements the error interface
func (d *Dirty) Error() string {
	return fmt.Sprintf("dirty exit: %s", d.Detail)
}

// Zombie marks a job found in a running index whose recorded worker is
// no longer registered.
type Zombie struct {
	WorkerID string
}

// Error implements the error interface
func (z *Zombie) Error() string {
	return fmt.Sprintf("zombie job: worker %s is gone", z.WorkerID)
}

// AsCancel reports whether err is (or wraps) a Cancel
func AsCancel(err error) (*Cancel, bool) {
	var c *Cancel
	ok := errors.As(err, &c)
	return c, ok
}

// AsRetry reports whether err is (or wraps) a Retry
func AsRetry(err error) (*Retry, bool) {
	var r *Retry
	ok := errors.As(err, &r)
	return r, ok
}

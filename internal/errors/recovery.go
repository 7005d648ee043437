package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a panic captured at the job-execution boundary. The child
// converts it into an ordinary job failure instead of dying dirty.
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// CapturePanic stops an in-flight panic and stores it in *errp as a
// PanicError with the stack trace attached. recover only works from the
// deferred function itself, so this must be deferred directly:
//
//	defer errors.CapturePanic(&err)
func CapturePanic(errp *error) {
	if r := recover(); r != nil {
		*errp = &PanicError{
			Value:      r,
			Stacktrace: string(debug.Stack()),
		}
	}
}

// FormatPanicForLog flattens a captured panic into one log field
func FormatPanicForLog(p *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", p.Value, p.Stacktrace)
}

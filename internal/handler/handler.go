// Package handler defines the capability surface of user-supplied job
// handlers and the registry that resolves class names to handlers.
//
// A handler is any type implementing Performer. The runtime queries the
// optional capabilities (Signer, SetUpper, TearDowner, Channeler,
// Presenter, Outputter, QueueDefaulter, MethodPerformer) with type
// assertions; absent capabilities default to no-ops.
package handler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// Job is the view of the claimed job a handler is allowed to touch
type Job interface {
	// ID returns the job's opaque identifier
	ID() string
	// Queue returns the queue the job was claimed from
	Queue() string
	// SetProgress records completion progress in the 0-100 range
	SetProgress(ctx context.Context, pct int) error
	// Output returns the writer whose flushes are forwarded to the
	// job's output stream and optional pub/sub channel
	Output() io.Writer
}

// Performer is the mandatory handler capability
type Performer interface {
	Perform(ctx context.Context, data *structpb.Value, job Job) error
}

// MethodPerformer dispatches "Class@method" class names
type MethodPerformer interface {
	PerformMethod(ctx context.Context, method string, data *structpb.Value, job Job) error
}

// Signer supplies the mutex signature used for at-most-one-in-flight
// admission control
type Signer interface {
	Signature(data *structpb.Value) string
}

// SetUpper runs before Perform in the child
type SetUpper interface {
	SetUp(ctx context.Context, data *structpb.Value) error
}

// TearDowner runs after Perform in the child, regardless of outcome
type TearDowner interface {
	TearDown(ctx context.Context)
}

// Channeler names the pub/sub channel output lines are mirrored to
type Channeler interface {
	Channel(data *structpb.Value) string
}

// Presenter names the job for the stat leaderboards; defaults to the class
type Presenter interface {
	Presentation(data *structpb.Value) string
}

// Outputter opts the job into retained output capture (stream TTL applied)
type Outputter interface {
	CaptureOutput() bool
}

// QueueDefaulter names the queue used when the producer passes none
type QueueDefaulter interface {
	DefaultQueue() string
}

// Registry manages job handlers by class name
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Performer
}

// NewRegistry creates a new handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Performer),
	}
}

// Register adds a handler for a class name
func (r *Registry) Register(class string, h Performer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
}

// Count returns the number of registered handlers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Resolve splits an optional "@method" suffix off class and looks up the
// handler. Resolution is eager about invalid input: an empty class, an
// unknown class, or a method suffix on a handler that cannot dispatch
// methods all fail here, before the job enters a queue.
func (r *Registry) Resolve(class string) (Performer, string, error) {
	if class == "" {
		return nil, "", fmt.Errorf("class cannot be empty")
	}

	name := class
	method := ""
	if at := strings.Index(class, "@"); at >= 0 {
		name, method = class[:at], class[at+1:]
		if name == "" || method == "" {
			return nil, "", fmt.Errorf("malformed class %q", class)
		}
	}

	r.mu.RLock()
	h, exists := r.handlers[name]
	r.mu.RUnlock()
	if !exists {
		return nil, "", fmt.Errorf("no handler registered for class %q", name)
	}

	if method != "" {
		if _, ok := h.(MethodPerformer); !ok {
			return nil, "", fmt.Errorf("handler %q does not dispatch methods", name)
		}
	}

	return h, method, nil
}

// Call invokes the resolved handler, dispatching through PerformMethod
// when a method suffix was present.
func Call(ctx context.Context, h Performer, method string, data *structpb.Value, job Job) error {
	if method != "" {
		return h.(MethodPerformer).PerformMethod(ctx, method, data, job)
	}
	return h.Perform(ctx, data, job)
}

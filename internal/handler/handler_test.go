package handler

import (
	"context"
	"io"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

type plainHandler struct {
	performed bool
}

func (h *plainHandler) Perform(ctx context.Context, data *structpb.Value, job Job) error {
	h.performed = true
	return nil
}

type methodHandler struct {
	method string
}

func (h *methodHandler) Perform(ctx context.Context, data *structpb.Value, job Job) error {
	return nil
}

func (h *methodHandler) PerformMethod(ctx context.Context, method string, data *structpb.Value, job Job) error {
	h.method = method
	return nil
}

type nopJob struct{}

func (nopJob) ID() string                                  { return "test" }
func (nopJob) Queue() string                               { return "q" }
func (nopJob) SetProgress(ctx context.Context, pct int) error { return nil }
func (nopJob) Output() io.Writer                           { return io.Discard }

func TestResolve_EmptyClass(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Resolve(""); err == nil {
		t.Fatal("expected error for empty class")
	}
}

func TestResolve_UnknownClass(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Resolve("Missing"); err == nil {
		t.Fatal("expected error for unknown class")
	}
}

func TestResolve_MalformedClass(t *testing.T) {
	r := NewRegistry()
	r.Register("Thing", &plainHandler{})

	for _, class := range []string{"@method", "Thing@"} {
		if _, _, err := r.Resolve(class); err == nil {
			t.Errorf("expected error for class %q", class)
		}
	}
}

func TestResolve_MethodOnPlainHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("Thing", &plainHandler{})

	if _, _, err := r.Resolve("Thing@doIt"); err == nil {
		t.Fatal("expected error for method suffix on a plain handler")
	}
}

func TestResolve_MethodDispatch(t *testing.T) {
	r := NewRegistry()
	mh := &methodHandler{}
	r.Register("Thing", mh)

	h, method, err := r.Resolve("Thing@doIt")
	if err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if method != "doIt" {
		t.Fatalf("expected method doIt, got %q", method)
	}

	if err := Call(context.Background(), h, method, nil, nopJob{}); err != nil {
		t.Fatalf("expected call to succeed, got %v", err)
	}
	if mh.method != "doIt" {
		t.Fatalf("expected PerformMethod dispatch, got %q", mh.method)
	}
}

func TestCall_PlainHandler(t *testing.T) {
	r := NewRegistry()
	ph := &plainHandler{}
	r.Register("Thing", ph)

	h, method, err := r.Resolve("Thing")
	if err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if err := Call(context.Background(), h, method, nil, nopJob{}); err != nil {
		t.Fatalf("expected call to succeed, got %v", err)
	}
	if !ph.performed {
		t.Fatal("expected Perform to run")
	}
}

func TestRegistry_Count(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Count())
	}
	RegisterExamples(r)
	if r.Count() != 2 {
		t.Fatalf("expected 2 example handlers, got %d", r.Count())
	}
}

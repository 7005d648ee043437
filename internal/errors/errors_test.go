package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestCapturePanic_ConvertsPanic(t *testing.T) {
	var err error
	func() {
		defer CapturePanic(&err)
		panic("kaboom")
	}()

	if err == nil {
		t.Fatal("expected a captured panic")
	}
	p, ok := err.(*PanicError)
	if !ok {
		t.Fatalf("expected PanicError, got %T", err)
	}
	if p.Value != "kaboom" {
		t.Fatalf("expected panic value kept, got %v", p.Value)
	}
	if p.Stacktrace == "" {
		t.Fatal("expected a stack trace")
	}
	if !strings.Contains(p.Error(), "kaboom") {
		t.Fatalf("unexpected error string: %q", p.Error())
	}
}

func TestCapturePanic_NoPanicLeavesError(t *testing.T) {
	var err error
	func() {
		defer CapturePanic(&err)
	}()
	if err != nil {
		t.Fatalf("expected nil without a panic, got %v", err)
	}

	// An error already in flight is preserved
	err = fmt.Errorf("original")
	func() {
		defer CapturePanic(&err)
	}()
	if err == nil || err.Error() != "original" {
		t.Fatalf("expected original error preserved, got %v", err)
	}
}

func TestFormatPanicForLog(t *testing.T) {
	p := &PanicError{Value: "boom", Stacktrace: "goroutine 1 [running]"}
	got := FormatPanicForLog(p)
	if !strings.Contains(got, "boom") || !strings.Contains(got, "goroutine 1") {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestAsCancel_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", &Cancel{Reason: "stop"})
	c, ok := AsCancel(err)
	if !ok || c.Reason != "stop" {
		t.Fatalf("expected wrapped Cancel found, got %v %v", c, ok)
	}
	if _, ok := AsCancel(fmt.Errorf("plain")); ok {
		t.Fatal("expected plain error to not match Cancel")
	}
}

func TestAsRetry_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", &Retry{Delay: 30})
	r, ok := AsRetry(err)
	if !ok || r.Delay != 30 {
		t.Fatalf("expected wrapped Retry found, got %v %v", r, ok)
	}
}

func TestControlErrorStrings(t *testing.T) {
	if (&Cancel{}).Error() != "job cancelled" {
		t.Errorf("unexpected bare cancel string")
	}
	if !strings.Contains((&Dirty{Detail: "exit 9"}).Error(), "exit 9") {
		t.Errorf("expected dirty detail in message")
	}
	if !strings.Contains((&Zombie{WorkerID: "w"}).Error(), "w") {
		t.Errorf("expected worker id in zombie message")
	}
}

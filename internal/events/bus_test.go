package events

import (
	"testing"
)

func TestEmit_DeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Kind
	bus.Subscribe(JobQueued, func(e Event) bool {
		got = append(got, e.Kind)
		return true
	})

	if ok := bus.Emit(JobQueued, "subject"); !ok {
		t.Fatal("expected emit to be allowed")
	}
	if len(got) != 1 || got[0] != JobQueued {
		t.Fatalf("expected one JobQueued delivery, got %v", got)
	}
}

func TestEmit_SubjectsAccessible(t *testing.T) {
	bus := NewBus()

	var first, second interface{}
	bus.Subscribe(WorkerWorkingOn, func(e Event) bool {
		first = e.Subject(0)
		second = e.Subject(1)
		return true
	})

	bus.Emit(WorkerWorkingOn, "worker", "job")
	if first != "worker" || second != "job" {
		t.Fatalf("expected subjects (worker, job), got (%v, %v)", first, second)
	}
	if s := (Event{}).Subject(0); s != nil {
		t.Errorf("expected nil subject on empty event, got %v", s)
	}
}

func TestEmit_VetoableKindHonorsFalse(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(JobQueue, func(e Event) bool { return false })

	if ok := bus.Emit(JobQueue, nil); ok {
		t.Fatal("expected JobQueue emit to be vetoed")
	}
}

func TestEmit_NonVetoableKindIgnoresFalse(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(JobComplete, func(e Event) bool { return false })

	if ok := bus.Emit(JobComplete, nil); !ok {
		t.Fatal("expected JobComplete emit to be allowed despite false return")
	}
}

func TestEmit_AnyListenerCanVeto(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(JobPerform, func(e Event) bool { return true })
	bus.Subscribe(JobPerform, func(e Event) bool { return false })

	if ok := bus.Emit(JobPerform, nil); ok {
		t.Fatal("expected veto from the second listener")
	}
}

func TestSubscribeAll_SeesEveryKind(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.SubscribeAll(func(e Event) bool {
		count++
		return true
	})

	bus.Emit(JobQueued)
	bus.Emit(WorkerStartup)
	bus.Emit(JobDone)

	if count != 3 {
		t.Fatalf("expected 3 deliveries, got %d", count)
	}
}

func TestEmit_NoListeners(t *testing.T) {
	bus := NewBus()
	if ok := bus.Emit(JobQueue); !ok {
		t.Fatal("expected emit with no listeners to be allowed")
	}
}

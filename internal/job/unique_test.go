package job

import (
	"context"
	"testing"
	"time"
)

func TestUnique_SecondEnqueueRejected(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	data := mustData(t, map[string]interface{}{"key": "a"})

	_, ok, err := m.Create(ctx, "q", "Unique", data, time.Time{})
	if err != nil || !ok {
		t.Fatalf("first create failed: ok=%v err=%v", ok, err)
	}

	second, ok, err := m.Create(ctx, "q", "Unique", data, time.Time{})
	if err != nil {
		t.Fatalf("second create errored: %v", err)
	}
	if ok {
		t.Fatal("expected second enqueue to be rejected")
	}

	// The rejected payload lands in the duplicates tail
	dups, err := m.client.LRange(ctx, m.keys.Duplicates(), 0, -1).Result()
	if err != nil {
		t.Fatalf("failed to read duplicates: %v", err)
	}
	if len(dups) != 1 || dups[0] != second.Payload() {
		t.Fatalf("expected rejected payload in duplicates, got %v", dups)
	}

	// Only one payload in the waiting list
	if depth, _ := m.queues.WaitingLen(ctx, "q"); depth != 1 {
		t.Fatalf("expected one waiting payload, got %d", depth)
	}
}

func TestUnique_DifferentSignaturesCoexist(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, ok1, _ := m.Create(ctx, "q", "Unique", mustData(t, map[string]interface{}{"key": "a"}), time.Time{})
	_, ok2, _ := m.Create(ctx, "q", "Unique", mustData(t, map[string]interface{}{"key": "b"}), time.Time{})

	if !ok1 || !ok2 {
		t.Fatalf("expected both signatures admitted, got %v %v", ok1, ok2)
	}
}

func TestUnique_LockReclaimedAfterTerminal(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	data := mustData(t, map[string]interface{}{"key": "a"})

	_, ok, err := m.Create(ctx, "q", "Unique", data, time.Time{})
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}

	j, err := m.Pop(ctx, []string{"q"}, time.Second, false, "w1")
	if err != nil || j == nil {
		t.Fatalf("pop failed: %v", err)
	}
	if err := j.Complete(ctx); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// A third enqueue with the same signature reclaims the lock
	third, ok, err := m.Create(ctx, "q", "Unique", data, time.Time{})
	if err != nil {
		t.Fatalf("third create errored: %v", err)
	}
	if !ok {
		t.Fatal("expected enqueue to succeed after the holder completed")
	}

	holder, _ := m.client.Get(ctx, m.keys.Unique("uniq:a")).Result()
	if holder != third.ID() {
		t.Fatalf("expected lock held by third job, got %q", holder)
	}
}

func TestUnique_SameJobReacquires(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	data := mustData(t, map[string]interface{}{"key": "a"})

	j, err := m.New("q", "Unique", data)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	admitted, err := m.admit(ctx, j, false)
	if err != nil || !admitted {
		t.Fatalf("first admit failed: %v %v", admitted, err)
	}
	admitted, err = m.admit(ctx, j, false)
	if err != nil || !admitted {
		t.Fatalf("re-admit of the lock owner failed: %v %v", admitted, err)
	}
}

func TestUnique_DeadOwnerTakenOver(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	// A lock whose owning job packet no longer exists
	if err := m.client.Set(ctx, m.keys.Unique("uniq:a"), "gone-job-id", time.Hour).Err(); err != nil {
		t.Fatalf("failed to plant stale lock: %v", err)
	}

	_, ok, err := m.Create(ctx, "q", "Unique", mustData(t, map[string]interface{}{"key": "a"}), time.Time{})
	if err != nil {
		t.Fatalf("create errored: %v", err)
	}
	if !ok {
		t.Fatal("expected stale lock to be taken over")
	}
}

func TestUnique_DuplicatesTailBounded(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	data := mustData(t, map[string]interface{}{"key": "a"})

	_, ok, err := m.Create(ctx, "q", "Unique", data, time.Time{})
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}

	for i := 0; i < 310; i++ {
		_, ok, err := m.Create(ctx, "q", "Unique", data, time.Time{})
		if err != nil {
			t.Fatalf("create %d errored: %v", i, err)
		}
		if ok {
			t.Fatalf("create %d unexpectedly admitted", i)
		}
	}

	length, _ := m.client.LLen(ctx, m.keys.Duplicates()).Result()
	if length != duplicatesLimit {
		t.Fatalf("expected duplicates capped at %d, got %d", duplicatesLimit, length)
	}
}

func TestUnique_NonSigningHandlerSkipsAdmission(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok, err := m.Create(ctx, "q", "Ok", nil, time.Time{})
		if err != nil || !ok {
			t.Fatalf("create %d failed: ok=%v err=%v", i, ok, err)
		}
	}
	if depth, _ := m.queues.WaitingLen(ctx, "q"); depth != 3 {
		t.Fatalf("expected 3 waiting payloads, got %d", depth)
	}
}

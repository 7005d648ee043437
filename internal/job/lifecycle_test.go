package job

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/botqueue/botq/internal/queue"
)

func enqueueAndClaim(t *testing.T, m *Manager, queueName, class string, workerID string) *Job {
	t.Helper()
	ctx := context.Background()

	_, ok, err := m.Create(ctx, queueName, class, nil, time.Time{})
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}

	j, err := m.Pop(ctx, []string{queueName}, time.Second, false, workerID)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if j == nil {
		t.Fatal("expected a claimed job")
	}
	return j
}

func TestPop_ClaimSetsRunning(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")

	status, _ := j.Status(ctx)
	if status != StatusRunning {
		t.Fatalf("expected RUNNING, got %v", status)
	}
	if j.Worker() != "w1" {
		t.Fatalf("expected worker w1, got %q", j.Worker())
	}

	if n, _ := m.client.ZCard(ctx, m.keys.Running("q")).Result(); n != 1 {
		t.Fatalf("expected running entry, got %d", n)
	}
	if n, _ := m.client.LLen(ctx, m.keys.Processing("q", "w1")).Result(); n != 1 {
		t.Fatalf("expected processing entry, got %d", n)
	}
}

func TestPop_EmptyQueues(t *testing.T) {
	m, _, _ := setupManager(t)

	j, err := m.Pop(context.Background(), []string{"a", "b"}, time.Second, false, "w1")
	if err != nil {
		t.Fatalf("pop errored: %v", err)
	}
	if j != nil {
		t.Fatal("expected nil on empty queues")
	}
}

func TestPop_FirstQueueWins(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, _, _ = m.Create(ctx, "beta", "Ok", nil, time.Time{})
	_, _, _ = m.Create(ctx, "alpha", "Ok", nil, time.Time{})

	j, err := m.Pop(ctx, []string{"alpha", "beta"}, time.Second, false, "w1")
	if err != nil || j == nil {
		t.Fatalf("pop failed: %v", err)
	}
	if j.Queue() != "alpha" {
		t.Fatalf("expected alpha claimed first, got %q", j.Queue())
	}
}

func TestComplete_HappyPath(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	if err := j.Complete(ctx); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusComplete {
		t.Fatalf("expected COMPLETE, got %v", status)
	}

	// Progress-complete invariant
	raw, _ := m.client.HGet(ctx, m.keys.Job(j.ID()), fieldProgress).Result()
	if raw != "100" {
		t.Fatalf("expected progress 100, got %q", raw)
	}

	if n, _ := m.client.ZCard(ctx, m.keys.Archive("q", queue.ArchiveProcessed)).Result(); n != 1 {
		t.Fatal("expected payload in processed archive")
	}

	stats, _ := m.queues.GlobalStats(ctx)
	if stats[queue.StatQueued] != "0" || stats[queue.StatRunning] != "0" || stats[queue.StatProcessed] != "1" {
		t.Errorf("unexpected stats: %v", stats)
	}

	// Terminal packets decay
	ttl, _ := m.client.TTL(ctx, m.keys.Job(j.ID())).Result()
	if ttl <= 0 {
		t.Error("expected TTL on terminal packet")
	}
}

func TestCancel_RecordsReason(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	if err := j.Cancel(ctx, "operator request"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %v", status)
	}
	reason, _ := m.client.HGet(ctx, m.keys.Job(j.ID()), fieldOverrideReason).Result()
	if reason != "operator request" {
		t.Fatalf("expected reason recorded, got %q", reason)
	}
	if n, _ := m.client.ZCard(ctx, m.keys.Archive("q", queue.ArchiveCancelled)).Result(); n != 1 {
		t.Fatal("expected payload in cancelled archive")
	}
}

func TestFail_FirstFailureRequeuesDirectly(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	if err := j.Fail(ctx, fmt.Errorf("transient"), false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusWaiting {
		t.Fatalf("expected WAITING after first failure, got %v", status)
	}
	if depth, _ := m.queues.WaitingLen(ctx, "q"); depth != 1 {
		t.Fatalf("expected payload back in waiting, got %d", depth)
	}
	if n, _ := j.FailedCount(ctx); n != 1 {
		t.Fatalf("expected failed_count 1, got %d", n)
	}
	if n, _ := m.client.ZCard(ctx, m.keys.Archive("q", queue.ArchiveFailRetried)).Result(); n != 1 {
		t.Fatal("expected fail_retried entry")
	}
}

func TestFail_SecondFailureBacksOff(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	// Simulate the first failure already counted
	_, _ = j.incrFailedCount(ctx)

	if err := j.Fail(ctx, fmt.Errorf("still broken"), false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusDelayed {
		t.Fatalf("expected DELAYED after second failure, got %v", status)
	}

	score, err := m.client.ZScore(ctx, m.keys.Delayed("q"), j.Payload()).Result()
	if err != nil {
		t.Fatalf("expected delayed entry: %v", err)
	}
	// n=2 gives a delay in [2, 4] seconds
	delay := int64(score) - now.Unix()
	if delay < 1 || delay > 5 {
		t.Fatalf("expected backoff in [1,5]s window, got %ds", delay)
	}
}

func TestFail_ThresholdGoesTerminal(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	_, _ = j.incrFailedCount(ctx)
	_, _ = j.incrFailedCount(ctx)

	if err := j.Fail(ctx, fmt.Errorf("fatal"), false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusFailed {
		t.Fatalf("expected FAILED at threshold, got %v", status)
	}
	if n, _ := m.client.ZCard(ctx, m.keys.Archive("q", queue.ArchiveFailed)).Result(); n != 1 {
		t.Fatal("expected payload in failed archive")
	}
	if n, _ := j.FailedCount(ctx); n != 3 {
		t.Fatalf("expected failed_count 3, got %d", n)
	}
}

func TestFail_UnlimitedRetriesNeverTerminal(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, ok, err := m.Create(ctx, "q", "Ok",
		mustData(t, map[string]interface{}{"retry_threshold": -2}), time.Time{})
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}
	j, err := m.Pop(ctx, []string{"q"}, time.Second, false, "w1")
	if err != nil || j == nil {
		t.Fatalf("pop failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := j.Fail(ctx, fmt.Errorf("failure %d", i), false); err != nil {
			t.Fatalf("fail %d errored: %v", i, err)
		}
		status, _ := j.Status(ctx)
		if status == StatusFailed {
			t.Fatalf("unlimited-retry job went terminal on failure %d", i)
		}
		// Put it back in flight for the next round
		_, _ = m.client.ZRem(ctx, m.keys.Delayed("q"), j.Payload()).Result()
		_ = m.client.LPush(ctx, m.keys.Processing("q", "w1"), j.Payload()).Err()
	}
}

func TestFail_RetryErrorBypassesThreshold(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	for i := 0; i < 5; i++ {
		_, _ = j.incrFailedCount(ctx)
	}

	if err := j.Fail(ctx, fmt.Errorf("requeue me"), true); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusDelayed {
		t.Fatalf("expected DELAYED via mustRequeue, got %v", status)
	}
	score, err := m.client.ZScore(ctx, m.keys.Delayed("q"), j.Payload()).Result()
	if err != nil {
		t.Fatalf("expected delayed entry: %v", err)
	}
	if int64(score) < now.Unix() {
		t.Fatal("expected a non-past run time")
	}
}

func TestFail_ExceptionHistoryBounded(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, ok, err := m.Create(ctx, "q", "Ok",
		mustData(t, map[string]interface{}{"retry_threshold": -2}), time.Time{})
	if err != nil || !ok {
		t.Fatalf("create failed: ok=%v err=%v", ok, err)
	}
	j, err := m.Pop(ctx, []string{"q"}, time.Second, false, "w1")
	if err != nil || j == nil {
		t.Fatalf("pop failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		if err := j.appendException(ctx, fmt.Errorf("error %d", i), ""); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	excs, err := j.Exceptions(ctx)
	if err != nil {
		t.Fatalf("exceptions failed: %v", err)
	}
	if len(excs) != 5 {
		t.Fatalf("expected ring bounded to 5, got %d", len(excs))
	}
	if excs[4] != "error 7" {
		t.Fatalf("expected newest entry kept, got %q", excs[4])
	}
}

func TestResolveRetryDelay_Semantics(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	// Relative below the boundary
	if got := resolveRetryDelay(60, now); got.Unix() != now.Unix()+60 {
		t.Errorf("expected now+60, got %d", got.Unix())
	}
	// Absolute at or above the boundary
	abs := int64(1_800_000_000)
	if got := resolveRetryDelay(abs, now); got.Unix() != abs {
		t.Errorf("expected absolute %d, got %d", abs, got.Unix())
	}
	// Negative clamps to now
	if got := resolveRetryDelay(-5, now); got.Unix() != now.Unix() {
		t.Errorf("expected now, got %d", got.Unix())
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	for n := 2; n <= 20; n++ {
		for i := 0; i < 20; i++ {
			d := backoffDelay(n)
			if d > maxBackoff {
				t.Fatalf("n=%d delay %v exceeds cap", n, d)
			}
			if d < time.Second {
				t.Fatalf("n=%d delay %v below 1s", n, d)
			}
			span := int64(1) << uint(min(n, 8))
			if secs := int64(d / time.Second); secs > span {
				t.Fatalf("n=%d delay %ds above 2^n=%d", n, secs, span)
			}
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

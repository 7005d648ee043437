package job

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/queue"
)

func TestCleanup_FailsZombieJobs(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	// Claimed by a worker that was never registered: a zombie
	j := enqueueAndClaim(t, m, "q", "Ok", "deadhost:1:go1.23")

	if err := m.Cleanup(ctx, []string{"q"}); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusFailed {
		t.Fatalf("expected zombie failed, got %v", status)
	}
	if n, _ := m.client.ZCard(ctx, m.keys.Running("q")).Result(); n != 0 {
		t.Fatal("expected running set cleared")
	}
	if n, _ := m.client.ZCard(ctx, m.keys.Archive("q", queue.ArchiveFailed)).Result(); n != 1 {
		t.Fatal("expected payload in failed archive")
	}

	excs, _ := j.Exceptions(ctx)
	if len(excs) != 1 || !strings.Contains(excs[0], "zombie") {
		t.Fatalf("expected zombie exception recorded, got %v", excs)
	}
}

func TestCleanup_SparesLiveWorkers(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "livehost:2:go1.23")

	// The claiming worker is registered, so the job is not a zombie
	if err := m.client.SAdd(ctx, m.keys.Workers(), "livehost:2:go1.23").Err(); err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}

	if err := m.Cleanup(ctx, []string{"q"}); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	status, _ := j.Status(ctx)
	if status != StatusRunning {
		t.Fatalf("expected RUNNING preserved, got %v", status)
	}
}

func TestCleanup_TrimsExpiredProcessed(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	j := enqueueAndClaim(t, m, "q", "Ok", "w1")
	if err := j.Complete(ctx); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// Age the archive entry past the expiry window
	old := float64(time.Now().Add(-48 * time.Hour).Unix())
	if err := m.client.ZAdd(ctx, m.keys.Archive("q", queue.ArchiveProcessed),
		redis.Z{Score: old, Member: j.Payload()}).Err(); err != nil {
		t.Fatalf("failed to age archive entry: %v", err)
	}

	if err := m.Cleanup(ctx, []string{"q"}); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if n, _ := m.client.ZCard(ctx, m.keys.Archive("q", queue.ArchiveProcessed)).Result(); n != 0 {
		t.Fatal("expected aged processed entry trimmed")
	}
}

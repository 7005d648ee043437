package host

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/botqueue/botq/internal/queue"
)

func setupRegistry(t *testing.T) *Registry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRegistry(client, queue.NewKeys("botq:"))
}

func TestRegister_And_Alive(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, "box-1"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	alive, err := r.Alive(ctx, "box-1")
	if err != nil {
		t.Fatalf("alive failed: %v", err)
	}
	if !alive {
		t.Fatal("expected host alive")
	}
	if alive, _ := r.Alive(ctx, "box-2"); alive {
		t.Fatal("expected unknown host not alive")
	}
}

func TestRegister_EmptyName(t *testing.T) {
	r := setupRegistry(t)
	if err := r.Register(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty host name")
	}
}

func TestWorkerRoster(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_ = r.Register(ctx, "box-1")
	_ = r.AddWorker(ctx, "box-1", "box-1:10:go1.23")
	_ = r.AddWorker(ctx, "box-1", "box-1:11:go1.23")

	workers, err := r.Workers(ctx, "box-1")
	if err != nil {
		t.Fatalf("workers failed: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %v", workers)
	}

	if ok, _ := r.HasWorker(ctx, "box-1", "box-1:10:go1.23"); !ok {
		t.Fatal("expected roster membership")
	}

	_ = r.RemoveWorker(ctx, "box-1", "box-1:10:go1.23")
	if ok, _ := r.HasWorker(ctx, "box-1", "box-1:10:go1.23"); ok {
		t.Fatal("expected worker removed from roster")
	}
}

func TestUnregister_ClearsRoster(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	_ = r.Register(ctx, "box-1")
	_ = r.AddWorker(ctx, "box-1", "box-1:10:go1.23")

	if err := r.Unregister(ctx, "box-1"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}

	if alive, _ := r.Alive(ctx, "box-1"); alive {
		t.Fatal("expected host removed")
	}
	workers, _ := r.Workers(ctx, "box-1")
	if len(workers) != 0 {
		t.Fatalf("expected empty roster, got %v", workers)
	}
}

func TestKeepAlive_ReassertsPresence(t *testing.T) {
	r := setupRegistry(t)
	ctx := context.Background()

	if err := r.KeepAlive(ctx, "box-1"); err != nil {
		t.Fatalf("keepalive failed: %v", err)
	}
	if alive, _ := r.Alive(ctx, "box-1"); !alive {
		t.Fatal("expected keepalive to register the host")
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("unexpected redis url: %s", cfg.RedisURL)
	}
	if cfg.Namespace != "botq:" {
		t.Errorf("unexpected namespace: %s", cfg.Namespace)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0] != "*" {
		t.Errorf("unexpected queues: %v", cfg.Queues)
	}
	if !cfg.Blocking {
		t.Error("expected blocking default true")
	}
	if cfg.Interval != 5*time.Second {
		t.Errorf("unexpected interval: %v", cfg.Interval)
	}
	if cfg.ExpiryTime != 24*time.Hour {
		t.Errorf("unexpected expiry: %v", cfg.ExpiryTime)
	}
	if cfg.Logging == nil {
		t.Fatal("expected logging config")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("QUEUES", "mail, reports ,billing")
	t.Setenv("BLOCKING", "false")
	t.Setenv("INTERVAL", "10")
	t.Setenv("JOB_TIMEOUT", "1m")
	t.Setenv("MEMORY_LIMIT_MB", "512")
	t.Setenv("EXPIRY_TIME", "3600")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	want := []string{"mail", "reports", "billing"}
	if len(cfg.Queues) != 3 {
		t.Fatalf("expected %v, got %v", want, cfg.Queues)
	}
	for i, q := range want {
		if cfg.Queues[i] != q {
			t.Fatalf("expected %v, got %v", want, cfg.Queues)
		}
	}
	if cfg.Blocking {
		t.Error("expected blocking disabled")
	}
	if cfg.Interval != 10*time.Second {
		t.Errorf("expected 10s interval, got %v", cfg.Interval)
	}
	if cfg.JobTimeout != time.Minute {
		t.Errorf("expected 1m timeout, got %v", cfg.JobTimeout)
	}
	if cfg.MemoryLimitMB != 512 {
		t.Errorf("expected 512MB limit, got %d", cfg.MemoryLimitMB)
	}
	if cfg.ExpiryTime != time.Hour {
		t.Errorf("expected 1h expiry, got %v", cfg.ExpiryTime)
	}
}

func TestLoadConfig_RejectsBadInterval(t *testing.T) {
	t.Setenv("INTERVAL", "0")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestLoadConfig_RejectsNegativeMemoryLimit(t *testing.T) {
	t.Setenv("MEMORY_LIMIT_MB", "-1")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for negative memory limit")
	}
}

func TestGetEnvAsDuration_BareSeconds(t *testing.T) {
	t.Setenv("TEST_DURATION", "90")
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}

	t.Setenv("TEST_DURATION", "2h")
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 2*time.Hour {
		t.Errorf("expected 2h, got %v", got)
	}

	t.Setenv("TEST_DURATION", "garbage")
	if got := getEnvAsDuration("TEST_DURATION", 7*time.Second); got != 7*time.Second {
		t.Errorf("expected default on garbage, got %v", got)
	}
}

func TestGetEnvAsStringSlice_Empty(t *testing.T) {
	t.Setenv("TEST_LIST", " , ,")
	got := getEnvAsStringSlice("TEST_LIST", []string{"fallback"})
	if len(got) != 1 || got[0] != "fallback" {
		t.Errorf("expected fallback, got %v", got)
	}
}

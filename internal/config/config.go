// Package config loads the runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/botqueue/botq/internal/logger"
)

// Config holds all configuration for the botq runtime
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// Namespace prefixes every Redis key ("botq:" by default)
	Namespace string
	// Queues is the list of queues a worker watches; "*" means all known
	Queues []string
	// Blocking selects blocking-pop dispatch over polling
	Blocking bool
	// Interval is the loop sleep and blocking-pop timeout
	Interval time.Duration
	// JobTimeout is the per-job wall-clock limit enforced in the child
	JobTimeout time.Duration
	// MemoryLimitMB is the soft resident-memory ceiling for a worker
	MemoryLimitMB int
	// ExpiryTime is the TTL applied to terminal job packets and orphaned
	// worker hashes
	ExpiryTime time.Duration
	// DedicatedLock makes the worker honor cluster-wide dedicated mode
	DedicatedLock bool
	// MetricsPort serves the Prometheus /metrics endpoint (empty disables)
	MetricsPort string
	// SchedulerInterval is the recurring-schedule tick
	SchedulerInterval time.Duration
	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from a .env file (when present) and the
// environment, with sensible defaults.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; the environment wins either way
	_ = godotenv.Load()

	cfg := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		Namespace:         getEnv("NAMESPACE", "botq:"),
		Queues:            getEnvAsStringSlice("QUEUES", []string{"*"}),
		Blocking:          getEnvAsBool("BLOCKING", true),
		Interval:          getEnvAsDuration("INTERVAL", 5*time.Second),
		JobTimeout:        getEnvAsDuration("JOB_TIMEOUT", 30*time.Minute),
		MemoryLimitMB:     getEnvAsInt("MEMORY_LIMIT_MB", 0),
		ExpiryTime:        getEnvAsDuration("EXPIRY_TIME", 24*time.Hour),
		DedicatedLock:     getEnvAsBool("DEDICATED_LOCK", true),
		MetricsPort:       getEnv("METRICS_PORT", "9090"),
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", 1*time.Second),
		Logging:           loadLoggingConfig(),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("QUEUES must contain at least one queue name or *")
	}
	for _, q := range cfg.Queues {
		if q == "" {
			return nil, fmt.Errorf("QUEUES contains an empty queue name")
		}
	}
	if cfg.Interval < time.Second {
		return nil, fmt.Errorf("INTERVAL must be at least 1s")
	}
	if cfg.MemoryLimitMB < 0 {
		return nil, fmt.Errorf("MEMORY_LIMIT_MB cannot be negative")
	}
	if cfg.ExpiryTime <= 0 {
		return nil, fmt.Errorf("EXPIRY_TIME must be positive")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns
// a default value. Bare integers are read as seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	cfg.Level = getEnv("LOG_LEVEL", cfg.Level)
	cfg.Format = getEnv("LOG_FORMAT", cfg.Format)
	cfg.Color = getEnvAsBool("LOG_COLOR", cfg.Color)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)

	return cfg
}

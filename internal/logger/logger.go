// Package logger is the runtime's logging layer, built on log/slog. One
// front end fans out to a console handler (JSON, or colored text for
// terminals) and an optional lumberjack-rotated JSON file. Lines carry a
// component and a log_source attribute so job-execution output can be
// split from runtime logs downstream; ForJob and ForWorker tag the two
// domain identities.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component identifies which part of the system wrote a line
type Component string

const (
	ComponentWorker    Component = "worker"
	ComponentJob       Component = "job"
	ComponentQueue     Component = "queue"
	ComponentScheduler Component = "scheduler"
	ComponentClient    Component = "client"
	ComponentRedis     Component = "redis"
)

// Source splits runtime logs from job-execution logs
type Source string

const (
	SourceInternal Source = "botq_internal"
	SourceJob      Source = "botq_job"
)

// Config selects the sinks and verbosity
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Color  bool   // colorize text output
	File   FileConfig
}

// FileConfig configures the rotated file sink
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the stock configuration: JSON to stdout, no file
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Color:  true,
		File: FileConfig{
			Path:       "/var/log/botq/botq.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Format)
	}
	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.MaxSizeMB < 1 {
			return fmt.Errorf("file max size must be at least 1MB")
		}
	}
	return nil
}

// parseLevel maps a config level onto slog
func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", s)
}

// Logger wraps slog with the component/source vocabulary of the runtime
type Logger struct {
	s    *slog.Logger
	sink io.Closer
}

// New builds a logger from config
func New(cfg *Config) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	switch {
	case cfg.Format == "text" && cfg.Color:
		handlers = append(handlers, newColorHandler(os.Stdout, level))
	case cfg.Format == "text":
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, opts))
	default:
		handlers = append(handlers, slog.NewJSONHandler(os.Stdout, opts))
	}

	l := &Logger{}
	if cfg.File.Enabled {
		sink := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		handlers = append(handlers, slog.NewJSONHandler(sink, opts))
		l.sink = sink
	}

	l.s = slog.New(fanout(handlers))
	return l, nil
}

// Discard returns a logger that drops everything. It is the process
// default until a real logger is installed, and handy in tests.
func Discard() *Logger {
	return &Logger{s: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// with derives a logger carrying extra attributes
func (l *Logger) with(args ...any) *Logger {
	return &Logger{s: l.s.With(args...), sink: l.sink}
}

// WithComponent tags lines with the writing component
func (l *Logger) WithComponent(c Component) *Logger {
	return l.with("component", string(c))
}

// WithSource tags lines with a log source
func (l *Logger) WithSource(s Source) *Logger {
	return l.with("log_source", string(s))
}

// ForJob tags job-execution lines with their job id
func (l *Logger) ForJob(jobID string) *Logger {
	return l.with("log_source", string(SourceJob), "job_id", jobID)
}

// ForWorker tags runtime lines with the worker identity
func (l *Logger) ForWorker(workerID string) *Logger {
	return l.with("worker_id", workerID)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }

// Info logs at info level
func (l *Logger) Info(msg string, args ...any) { l.s.Info(msg, args...) }

// Warn logs at warn level
func (l *Logger) Warn(msg string, args ...any) { l.s.Warn(msg, args...) }

// Error logs at error level
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }

// Close flushes and closes the file sink, if any
func (l *Logger) Close() error {
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Process-wide default, swapped in at startup
var (
	defaultMu sync.RWMutex
	defaultL  = Discard()
)

// SetDefault installs the process default logger
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultL = l
	defaultMu.Unlock()
}

// Default returns the process default logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultL
}

// Package-level helpers on the default logger

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

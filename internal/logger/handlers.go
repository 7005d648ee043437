package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// multiHandler fans one record out to every configured sink
type multiHandler []slog.Handler

// fanout wraps a handler list; a single sink passes through untouched
func fanout(hs []slog.Handler) slog.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return multiHandler(hs)
}

// Enabled implements slog.Handler
func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler; a failing sink does not starve the rest
func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WithAttrs implements slog.Handler
func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

// WithGroup implements slog.Handler
func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}

// colorHandler renders "TIME LEVEL message key=value ..." with the level
// word colored. Groups are flattened; this is a terminal convenience, not
// a machine format.
type colorHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex

	debugColor *color.Color
	infoColor  *color.Color
	warnColor  *color.Color
	errorColor *color.Color
}

// newColorHandler creates a colored terminal handler
func newColorHandler(w io.Writer, level slog.Level) *colorHandler {
	return &colorHandler{
		w:          w,
		level:      level,
		mu:         &sync.Mutex{},
		debugColor: color.New(color.FgCyan),
		infoColor:  color.New(color.FgGreen),
		warnColor:  color.New(color.FgYellow),
		errorColor: color.New(color.FgRed, color.Bold),
	}
}

// Enabled implements slog.Handler
func (h *colorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler
func (h *colorHandler) Handle(ctx context.Context, r slog.Record) error {
	var levelStr string
	switch {
	case r.Level < slog.LevelInfo:
		levelStr = h.debugColor.Sprint("DEBUG")
	case r.Level < slog.LevelWarn:
		levelStr = h.infoColor.Sprint("INFO")
	case r.Level < slog.LevelError:
		levelStr = h.warnColor.Sprint("WARN")
	default:
		levelStr = h.errorColor.Sprint("ERROR")
	}

	var b strings.Builder
	b.WriteString(r.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(levelStr)
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write([]byte(b.String()))
	return err
}

// WithAttrs implements slog.Handler
func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &out
}

// WithGroup implements slog.Handler; groups are flattened away
func (h *colorHandler) WithGroup(name string) slog.Handler {
	return h
}

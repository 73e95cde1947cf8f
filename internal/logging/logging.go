// Package logging configures the process-wide slog default logger.
//
// Layout follows the source agent's dual-file convention: an operational
// log at the configured level and a debug log always at DEBUG, both
// rotated on calendar date. A third handler mirrors records to stderr so a
// foreground run (or systemd journal capture) sees output without tailing
// files.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

const (
	operationalDir = "/var/orchestrator/logs"
	debugDir       = "/var/orchestrator/debug"
)

// Configure installs a process-wide slog default logger writing to stderr,
// a daily-rotating operational log file, and a daily-rotating debug log
// file. level selects the CLI-facing verbosity (spec's five-level scheme);
// the debug file always receives every record regardless of level.
func Configure(level string) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}

	opFile, err := newDailyFile(operationalDir, "orchestrator-logs")
	if err != nil {
		return fmt.Errorf("open operational log: %w", err)
	}
	dbgFile, err := newDailyFile(debugDir, "orchestrator-debug")
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parsed})
	opHandler := slog.NewTextHandler(opFile, &slog.HandlerOptions{Level: parsed})
	dbgHandler := slog.NewTextHandler(dbgFile, &slog.HandlerOptions{Level: slog.LevelDebug})

	slog.SetDefault(slog.New(newFanout(stderrHandler, opHandler, dbgHandler)))
	return nil
}

// ParseLevel maps the CLI's five-level scheme onto slog's four levels.
// CRITICAL has no slog equivalent and maps to LevelError, so selecting
// CRITICAL filters exactly as ERROR does.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarning:
		return slog.LevelWarn, nil
	case LevelError, LevelCritical:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

// dailyFile wraps an *os.File that reopens itself under a new name when the
// calendar date rolls over. No log-rotation library appears anywhere in the
// retrieved corpus, so this is hand-written against the standard library.
type dailyFile struct {
	mu      sync.Mutex
	dir     string
	prefix  string
	day     string
	current *os.File
}

func newDailyFile(dir, prefix string) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	df := &dailyFile{dir: dir, prefix: prefix}
	if err := df.rollTo(time.Now()); err != nil {
		return nil, err
	}
	return df, nil
}

func (d *dailyFile) rollTo(now time.Time) error {
	day := now.Format("2006-01-02")
	path := filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	if d.current != nil {
		_ = d.current.Close()
	}
	d.current = f
	d.day = day
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if now.Format("2006-01-02") != d.day {
		if err := d.rollTo(now); err != nil {
			return 0, err
		}
	}
	return d.current.Write(p)
}

// fanout duplicates every record to each wrapped handler.
type fanout struct {
	handlers []slog.Handler
}

func newFanout(handlers ...slog.Handler) slog.Handler {
	return &fanout{handlers: handlers}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanout{handlers: next}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanout{handlers: next}
}

// v1
// internal/logging/logger.go
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// New builds a slog.Logger that fans out entries to stdout and the log file
// at path. An empty path logs to stdout only. When the file cannot be opened
// the logger falls back to stdout and reports the failure through it. The
// returned closer releases the file and is never nil.
func New(path, level string) (*slog.Logger, io.Closer) {
	lvl, lvlErr := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}
	console := slog.NewTextHandler(os.Stdout, opts)

	var (
		logger *slog.Logger
		closer io.Closer = nopCloser{}
	)
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		logger = slog.New(console)
	default:
		f, err := openLogFile(path)
		if err != nil {
			logger = slog.New(console)
			logger.Error("log_file_open_err", slog.String("path", path), slog.Any("err", err))
			break
		}
		closer = f
		logger = slog.New(NewTee(console, slog.NewTextHandler(f, opts)))
	}
	if lvlErr != nil {
		logger.Warn("log_level_invalid", slog.String("level", level), slog.Any("err", lvlErr))
	}
	logger.Info("logger_initialized", slog.String("file", path), slog.String("level", lvl.String()))
	return logger, closer
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown values
// yield info together with an error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewTee returns a handler that forwards every record to all handlers.
func NewTee(handlers ...slog.Handler) slog.Handler {
	return &teeHandler{handlers: handlers}
}

type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		next = append(next, h.WithAttrs(attrs))
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		next = append(next, h.WithGroup(name))
	}
	return &teeHandler{handlers: next}
}

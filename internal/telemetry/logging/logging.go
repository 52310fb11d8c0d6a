// Package logging wraps log/slog with trace/span correlation and the
// dual-sink (human text + structured JSON lines), size-rotated file
// handlers the orchestrator's persisted artifacts require.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/corvidlabs/watchloop/internal/telemetry/tracing"
)

// Logger is a minimal interface wrapper allowing correlation injection.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper around base. A nil base falls
// back to slog.Default().
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) withCorrelation(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return attrs
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.withCorrelation(ctx, attrs)...)
}

const rotateSize int64 = 10 * 1024 * 1024 // 10 MiB, per the spec's artifact rotation rule

// RotatingFile is an io.WriteCloser that renames the target to "<path>.1"
// and starts a fresh file once it crosses rotateSize, keeping a single
// generation of backlog as the spec's persisted-artifacts section requires.
type RotatingFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// OpenRotatingFile opens (creating/appending) the file at path for rotation.
func OpenRotatingFile(path string) (*RotatingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}
	return &RotatingFile{path: path, f: f, size: info.Size()}, nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size+int64(len(p)) > rotateSize {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotateLocked() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close log file for rotation: %w", err)
	}
	backup := r.path + ".1"
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log file after rotation: %w", err)
	}
	r.f = f
	r.size = 0
	return nil
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// NewRunLogger builds the run's dual-sink slog.Logger: human text to
// textPath, structured JSON lines to jsonlPath, both rotated via
// RotatingFile. Pass an empty path to skip that sink.
func NewRunLogger(textPath, jsonlPath string, level slog.Level) (*slog.Logger, func() error, error) {
	var writers []io.Writer
	var closers []func() error

	if textPath != "" {
		rf, err := OpenRotatingFile(textPath)
		if err != nil {
			return nil, nil, err
		}
		textHandler := slog.NewTextHandler(rf, &slog.HandlerOptions{Level: level})
		writers = append(writers, rf)
		closers = append(closers, rf.Close)
		_ = textHandler
	}

	var jsonHandler slog.Handler
	if jsonlPath != "" {
		rf, err := OpenRotatingFile(jsonlPath)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		jsonHandler = slog.NewJSONHandler(rf, &slog.HandlerOptions{Level: level})
		closers = append(closers, rf.Close)
	}

	var handler slog.Handler
	switch {
	case textPath != "" && jsonlPath != "":
		handler = &fanoutHandler{text: slog.NewTextHandler(writers[0], &slog.HandlerOptions{Level: level}), jsonl: jsonHandler}
	case jsonlPath != "":
		handler = jsonHandler
	case textPath != "":
		handler = slog.NewTextHandler(writers[0], &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return slog.New(handler), closeAll, nil
}

// fanoutHandler writes every record to both the text and JSON handlers.
type fanoutHandler struct {
	text  slog.Handler
	jsonl slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level) || h.jsonl.Enabled(ctx, level)
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.text.Handle(ctx, r.Clone()); err != nil {
		return err
	}
	return h.jsonl.Handle(ctx, r.Clone())
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{text: h.text.WithAttrs(attrs), jsonl: h.jsonl.WithAttrs(attrs)}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{text: h.text.WithGroup(name), jsonl: h.jsonl.WithGroup(name)}
}

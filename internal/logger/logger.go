// Package logger builds the slog loggers shared by the dispatcher and
// its worker processes. Everything logs JSON to stderr so worker
// diagnostics stay clear of the captured test output.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type scopeKey struct{}

// Scope identifies what a log line belongs to: the run, and inside a
// worker process the slot index and the bucket file being executed.
// Empty fields are omitted from output.
type Scope struct {
	RunID       string
	WorkerIndex int
	File        string
}

// NewScope returns a dispatcher-side scope for a run. WorkerIndex is
// -1 because slot 0 names a real worker.
func NewScope(runID string) Scope {
	return Scope{RunID: runID, WorkerIndex: -1}
}

// Attrs renders the scope as slog attributes.
func (s Scope) Attrs() []any {
	attrs := make([]any, 0, 6)
	if s.RunID != "" {
		attrs = append(attrs, "run_id", s.RunID)
	}
	if s.WorkerIndex >= 0 {
		attrs = append(attrs, "worker_index", s.WorkerIndex)
	}
	if s.File != "" {
		attrs = append(attrs, "bucket", s.File)
	}
	return attrs
}

// WithScope stores the scope on the context for FromContext to pick up.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the stored scope; ok is false outside a run.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// FromContext returns base with the context scope's fields attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if s, ok := ScopeFromContext(ctx); ok {
		if attrs := s.Attrs(); len(attrs) > 0 {
			return base.With(attrs...)
		}
	}
	return base
}

// New creates the process logger: JSON on stderr at info level.
func New() *slog.Logger {
	return NewWithOptions(os.Stderr, slog.LevelInfo)
}

// NewWithOptions creates a logger writing to w at the given level. The
// worker runtime uses this to keep log output off the captured streams.
func NewWithOptions(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

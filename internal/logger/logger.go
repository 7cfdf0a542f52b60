// Package logger provides the framework's structured logging, grounded on
// log/slog the way the teacher's internal/observability package wraps it.
// Tests inject a collecting sink rather than monkey-patching a global stream.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Format selects the on-wire rendering of log records.
type Format int

const (
	// TextFormat renders human-readable lines, the default (logger.format "text").
	TextFormat Format = iota
	// JSONFormat renders one JSON object per line, selected by logger.format "json".
	JSONFormat
)

// Secret is the literal redaction token applied to fields whose action
// schema marks them secret (spec §4.3 step 8).
const Secret = "[[secret]]"

// Logger wraps slog.Logger with a swappable sink capability.
type Logger struct {
	mu     sync.RWMutex
	sink   io.Writer
	format Format
	level  *slog.LevelVar
	inner  *slog.Logger
}

// New creates a Logger writing to sink (os.Stdout if nil) in the given format.
func New(sink io.Writer, format Format) *Logger {
	if sink == nil {
		sink = os.Stdout
	}
	l := &Logger{sink: sink, format: format, level: &slog.LevelVar{}}
	l.rebuild()
	return l
}

func (l *Logger) rebuild() {
	opts := &slog.HandlerOptions{Level: l.level}
	var handler slog.Handler
	if l.format == JSONFormat {
		handler = slog.NewJSONHandler(l.sink, opts)
	} else {
		handler = slog.NewTextHandler(l.sink, opts)
	}
	l.inner = slog.New(handler)
}

// SetSink swaps the underlying writer. Tests use this to inject a collecting
// buffer instead of patching a package-level stream.
func (l *Logger) SetSink(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = w
	l.rebuild()
}

// SetLevel adjusts the minimum emitted level at runtime.
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

func (l *Logger) handle(ctx context.Context, level slog.Level, msg string, attrs []any) {
	l.mu.RLock()
	inner := l.inner
	l.mu.RUnlock()
	inner.Log(ctx, level, msg, attrs...)
}

func (l *Logger) Info(msg string, attrs ...any)  { l.handle(context.Background(), slog.LevelInfo, msg, attrs) }
func (l *Logger) Warn(msg string, attrs ...any)  { l.handle(context.Background(), slog.LevelWarn, msg, attrs) }
func (l *Logger) Error(msg string, attrs ...any) { l.handle(context.Background(), slog.LevelError, msg, attrs) }
func (l *Logger) Debug(msg string, attrs ...any) { l.handle(context.Background(), slog.LevelDebug, msg, attrs) }

func (l *Logger) InfoContext(ctx context.Context, msg string, attrs ...any) {
	l.handle(ctx, slog.LevelInfo, msg, attrs)
}
func (l *Logger) ErrorContext(ctx context.Context, msg string, attrs ...any) {
	l.handle(ctx, slog.LevelError, msg, attrs)
}

// DispatchRecord is one structured record per action invocation (spec §4.3
// step 8): action name, connection type, status, duration, and sanitized
// params.
type DispatchRecord struct {
	Action        string
	ConnectionID  string
	ConnectionType string
	Identifier    string
	CorrelationID string
	Method        string
	URL           string
	Status        string // "OK" | "ERROR"
	DurationMS    int64
	Params        map[string]any
	ErrorType     string
}

// LogDispatch emits one structured record for a completed dispatch call.
func (l *Logger) LogDispatch(ctx context.Context, r DispatchRecord) {
	attrs := []any{
		slog.String("action", r.Action),
		slog.String("connection_id", r.ConnectionID),
		slog.String("connection_type", r.ConnectionType),
		slog.String("identifier", r.Identifier),
		slog.String("correlation_id", r.CorrelationID),
		slog.String("method", r.Method),
		slog.String("url", r.URL),
		slog.String("status", r.Status),
		slog.Int64("duration_ms", r.DurationMS),
		slog.Any("params", r.Params),
	}
	if r.ErrorType != "" {
		attrs = append(attrs, slog.String("error_type", r.ErrorType))
	}
	if r.Status == "ERROR" {
		l.handle(ctx, slog.LevelError, "action dispatched", attrs)
		return
	}
	l.handle(ctx, slog.LevelInfo, "action dispatched", attrs)
}

// Sanitize returns a copy of params with every key in secretFields replaced
// by the Secret token. It never mutates the input map (dispatch logs run
// concurrently with the in-flight request that still owns the original map).
func Sanitize(params map[string]any, secretFields map[string]bool) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if secretFields[k] {
			out[k] = Secret
			continue
		}
		out[k] = v
	}
	return out
}

// Default is the process-wide logger used by components that don't thread an
// explicit instance through (mirrors the teacher's GlobalLogger, but remains
// swappable for tests via SetSink rather than a package-level var reassignment).
var Default = New(os.Stdout, TextFormat)

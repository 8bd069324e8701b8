package logging

import (
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with workflow-scoped field helpers. A nil *Logger
// is valid and discards everything, so library callers may pass nothing.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to stderr. format "json" selects the slog JSON
// handler; anything else gets tint's colored text handler.
func New(level, format string) *Logger {
	return NewWriter(os.Stderr, level, format)
}

// NewWriter is New with an explicit destination (tests pass a buffer).
func NewWriter(w io.Writer, level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops all records.
func Discard() *Logger {
	// slog.DiscardHandler needs Go 1.24+; gate a text handler above any
	// real level so Enabled is false and every record is dropped.
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(math.MaxInt),
	}))}
}

// WithRun adds run_id to the logger context.
func (l *Logger) WithRun(runID string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{Logger: l.With("run_id", runID)}
}

// WithNode adds node_id to the logger context.
func (l *Logger) WithNode(nodeID string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{Logger: l.With("node_id", nodeID)}
}

// WithWorkflow adds the saved workflow name to the logger context.
func (l *Logger) WithWorkflow(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{Logger: l.With("workflow", name)}
}

func (l *Logger) Debug(msg string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	if l == nil {
		return
	}
	l.Logger.Error(msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

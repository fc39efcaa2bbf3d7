package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// SlogOptions tunes the slog-backed logger.
type SlogOptions struct {
	// JSON switches the handler from text to JSON output.
	JSON bool
	// AddSource includes the caller's file and line.
	AddSource bool
}

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger creates a logger writing to w at the given minimum level.
// opts may be nil.
func NewSlogLogger(w io.Writer, level LogLevel, opts *SlogOptions) *SlogLogger {
	if opts == nil {
		opts = &SlogOptions{}
	}
	hopts := &slog.HandlerOptions{
		Level:     ParseLevel(string(level)),
		AddSource: opts.AddSource,
	}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return &SlogLogger{l: slog.New(h)}
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case string(LogLevelDebug):
		return slog.LevelDebug
	case string(LogLevelWarn), "warning":
		return slog.LevelWarn
	case string(LogLevelError):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	s.l.LogAttrs(context.Background(), level, msg, fields...)
}

func (s *SlogLogger) Debug(msg string, fields ...Field) { s.log(slog.LevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields ...Field)  { s.log(slog.LevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields ...Field)  { s.log(slog.LevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields ...Field) { s.log(slog.LevelError, msg, fields) }

// With returns a child logger that always includes fields.
func (s *SlogLogger) With(fields ...Field) Logger {
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = f
	}
	return &SlogLogger{l: s.l.With(args...)}
}

// Module returns a child logger tagged with module=name.
func (s *SlogLogger) Module(name string) Logger {
	return s.With(String("module", name))
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return NewSlogLogger(io.Discard, LogLevelError, nil)
}

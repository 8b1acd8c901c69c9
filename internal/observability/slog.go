package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kestrelhq/ordersync/config"
)

// SlogLogger adapts a slog.Logger to the Logger interface.
type SlogLogger struct {
	inner *slog.Logger
}

// NewSlogLogger wraps the provided slog logger.
func NewSlogLogger(inner *slog.Logger) *SlogLogger {
	if inner == nil {
		inner = slog.Default()
	}
	return &SlogLogger{inner: inner}
}

// NewRotatingLogger builds a JSON slog logger writing to stdout and, when a
// file path is configured, a size-rotated log file.
func NewRotatingLogger(cfg config.LoggingSettings) *SlogLogger {
	var writer io.Writer = os.Stdout
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err == nil {
			rotated := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    10,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			}
			writer = io.MultiWriter(os.Stdout, rotated)
		}
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	return &SlogLogger{inner: slog.New(handler)}
}

func (l *SlogLogger) Debug(msg string, fields ...Field) {
	l.inner.Debug(msg, attrs(fields)...)
}

func (l *SlogLogger) Info(msg string, fields ...Field) {
	l.inner.Info(msg, attrs(fields)...)
}

func (l *SlogLogger) Warn(msg string, fields ...Field) {
	l.inner.Warn(msg, attrs(fields)...)
}

func (l *SlogLogger) Error(msg string, fields ...Field) {
	l.inner.Error(msg, attrs(fields)...)
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

// Package logging configures the process-wide slog loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

var (
	mu                  sync.RWMutex
	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger

	// Shared so SetLevel takes effect without rebuilding handlers.
	structuredLevel    = new(slog.LevelVar)
	humanReadableLevel = new(slog.LevelVar)
)

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		label, exists := levelNames[level]
		if !exists {
			label = level.String()
		}
		a.Value = slog.StringValue(label)
	}
	return a
}

// Init initializes the logging system with structured and human-readable loggers.
// Structured logs are JSON on stdout, human-readable logs are text on stderr.
func Init() {
	structuredLevel.Set(slog.LevelDebug)
	humanReadableLevel.Set(slog.LevelInfo)
	SetOutput(os.Stdout, os.Stderr)
}

// SetLevel sets the minimum logging level for both loggers.
func SetLevel(level slog.Level) {
	structuredLevel.Set(level)
	humanReadableLevel.Set(level)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetOutput redirects both loggers, preserving their levels.
func SetOutput(structuredOutput, humanReadableOutput io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	structuredLogger = slog.New(slog.NewJSONHandler(structuredOutput, &slog.HandlerOptions{
		Level:       structuredLevel,
		ReplaceAttr: replaceLevel,
	}))
	humanReadableLogger = slog.New(slog.NewTextHandler(humanReadableOutput, &slog.HandlerOptions{
		Level:       humanReadableLevel,
		ReplaceAttr: replaceLevel,
	}))

	slog.SetDefault(structuredLogger)
}

// Structured returns the structured (JSON) logger, nil before Init.
func Structured() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return structuredLogger
}

// HumanReadable returns the human-readable (Text) logger, nil before Init.
func HumanReadable() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return humanReadableLogger
}

// ForService creates a logger with the 'service' attribute added.
// Returns nil if Init() has not been called.
func ForService(serviceName string) *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if structuredLogger == nil {
		return nil
	}
	return structuredLogger.With("service", serviceName)
}

// ServiceOrDefault is ForService with a fallback to slog.Default().
func ServiceOrDefault(serviceName string) *slog.Logger {
	if l := ForService(serviceName); l != nil {
		return l
	}
	return slog.Default().With("service", serviceName)
}

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs at the Fatal level and exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs a trace message using the custom Trace level.
func Trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}

// FileConfig holds rotation settings for NewFileLogger.
type FileConfig struct {
	Path       string
	MaxSizeMB  int // rotate after this many megabytes
	MaxBackups int
	MaxAgeDays int
}

// newRotatingWriter creates the log directory and a lumberjack writer.
func newRotatingWriter(cfg FileConfig) (*lumberjack.Logger, error) {
	// lumberjack doesn't create directories
	if logDir := filepath.Dir(cfg.Path); logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
	}
	if cfg.MaxSizeMB > 0 {
		writer.MaxSize = cfg.MaxSizeMB
	}
	if cfg.MaxBackups > 0 {
		writer.MaxBackups = cfg.MaxBackups
	}
	if cfg.MaxAgeDays > 0 {
		writer.MaxAge = cfg.MaxAgeDays
	}
	return writer, nil
}

// NewFileLogger creates a JSON logger writing to a rotated file.
// It returns the logger and a function closing the underlying writer.
func NewFileLogger(cfg FileConfig, serviceName string, level slog.Level) (*slog.Logger, func() error, error) {
	writer, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	return slog.New(handler).With("service", serviceName), writer.Close, nil
}

// InitFile is Init with structured logs going to a rotated file instead
// of stdout. The returned function closes the file.
func InitFile(cfg FileConfig) (func() error, error) {
	writer, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	structuredLevel.Set(slog.LevelDebug)
	humanReadableLevel.Set(slog.LevelInfo)
	SetOutput(writer, os.Stderr)
	return writer.Close, nil
}

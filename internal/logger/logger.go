// Package logger provides the process-wide structured logger.
//
// It is a thin wrapper over log/slog with runtime-adjustable level and
// a choice of text or JSON output. All edgestore packages log through
// this package so that format and level are controlled in one place.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level to output: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	output   io.Writer = os.Stdout
	closer   io.Closer
	slogger  = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))
)

// Init configures the logger. Output can be "stdout", "stderr", or a
// file path, which is opened in append mode.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log output: %w", err)
		}
		if closer != nil {
			closer.Close()
		}
		output = f
		closer = f
	}

	levelVar.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(cfg.Format, "json") {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(output, opts))
	}
	return nil
}

// SetLevel changes the log level at runtime without reinitializing handlers.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// ParseLevel converts a level name to a slog.Level, rejecting unknown
// names. Used by config validation.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", s)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func log(level slog.Level, msg string, args ...any) {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	l.Log(context.Background(), level, msg, args...)
}

// Debug logs at DEBUG level with alternating key/value fields.
func Debug(msg string, args ...any) { log(slog.LevelDebug, msg, args...) }

// Info logs at INFO level with alternating key/value fields.
func Info(msg string, args ...any) { log(slog.LevelInfo, msg, args...) }

// Warn logs at WARN level with alternating key/value fields.
func Warn(msg string, args ...any) { log(slog.LevelWarn, msg, args...) }

// Error logs at ERROR level with alternating key/value fields.
func Error(msg string, args ...any) { log(slog.LevelError, msg, args...) }

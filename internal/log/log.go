// Package log provides structured logging for ares-relay.
// Every entry carries a category so relay, stream and HTTP traffic can be
// filtered apart in a busy log.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a config string ("debug", "info", "warn", "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Category groups related log messages.
type Category string

const (
	CatHTTP    Category = "http"    // Request handling and middleware
	CatRelay   Category = "relay"   // Registry transitions and replies
	CatReaper  Category = "reaper"  // Timeout sweeps
	CatStream  Category = "stream"  // Event-stream delivery
	CatArchive Category = "archive" // Exchange archive
	CatConfig  Category = "config"  // Configuration loading
	CatTrace   Category = "trace"   // Tracing provider
)

// Options configures the default logger.
type Options struct {
	Writer io.Writer
	Level  Level
	// Format is "text" (default) or "json".
	Format string
}

var (
	mu            sync.RWMutex
	defaultLogger = newLogger(Options{Writer: os.Stderr, Level: LevelInfo})
)

func newLogger(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level.slogLevel()}
	if strings.EqualFold(opts.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// Init replaces the default logger.
func Init(opts Options) {
	l := newLogger(opts)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Logger returns the underlying slog logger, for libraries that want one.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	l := Logger()
	lvl := level.slogLevel()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	// An orphan key gets an empty value rather than slog's !BADKEY.
	if len(fields)%2 != 0 {
		fields = append(fields, "")
	}
	attrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, "category", string(cat))
	attrs = append(attrs, fields...)
	l.Log(context.Background(), lvl, msg, attrs...)
}

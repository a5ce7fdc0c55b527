// Package logger provides structured logging using slog with hostname tracking,
// short source file paths, and request correlation for the upload service.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Fields represents structured log fields.
type Fields map[string]any

type requestIDKey struct{}

var (
	// defaultLogger is the global logger instance.
	defaultLogger *slog.Logger
	// hostname is cached on init for performance.
	hostname string
	// level is shared by every logger built with New so SetLevel applies globally.
	level = new(slog.LevelVar)
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	defaultLogger = New(os.Stderr)
}

// New creates a new slog logger with hostname and short source paths.
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			// Shorten source file paths to just basename:line
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	return slog.New(slog.NewTextHandler(w, opts)).With("instance", hostname)
}

// SetLogger sets the default logger.
func SetLogger(l *slog.Logger) {
	defaultLogger = l
}

// Default returns the default logger.
func Default() *slog.Logger {
	return defaultLogger
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// SetLevel parses a level name (debug, info, warn, error) and applies it.
func SetLevel(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "", "info":
		level.Set(slog.LevelInfo)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

// WithRequestID returns a context carrying the request ID for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Info logs an info message with optional fields.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, msg, fields)
}

// Warn logs a warning message with optional fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, msg, fields)
}

// Error logs an error message with optional fields.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	log(ctx, slog.LevelError, msg, fields)
}

// Debug logs a debug message with optional fields.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, msg, fields)
}

func log(ctx context.Context, lvl slog.Level, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := attrsFromFields(fields)
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	defaultLogger.LogAttrs(ctx, lvl, msg, attrs...)
}

// attrsFromFields converts Fields to slog.Attr slice.
func attrsFromFields(fields Fields) []slog.Attr {
	if fields == nil {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

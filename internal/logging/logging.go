// Package logging wraps log/slog behind a small context-aware interface so
// packages can log with fields without depending on a concrete handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field is one structured attribute.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field             { return Field{Key: key, Value: value} }
func Int(key string, value int) Field            { return Field{Key: key, Value: value} }
func Float(key string, value float64) Field      { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field          { return Field{Key: key, Value: value} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d} }
func Any(key string, value any) Field            { return Field{Key: key, Value: value} }

// Err records err under the "error" key.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Config selects level and handler format.
type Config struct {
	Level     string    // debug, info, warn, error
	Format    string    // json or text
	AddSource bool
	Output    io.Writer // defaults to stdout
}

func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &slogger{l: slog.New(h)}
}

// NewFromEnv reads LOG_LEVEL and LOG_FORMAT.
func NewFromEnv() Logger {
	return New(Config{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})
}

// Noop drops everything.
func Noop() Logger { return noopLogger{} }

// ParseLevel maps a level name to a slog level, falling back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

type slogger struct{ l *slog.Logger }

func (s *slogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return &slogger{l: s.l.With(args...)}
}

func (s *slogger) log(ctx context.Context, lvl slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	s.l.LogAttrs(ctx, lvl, msg, attrs...)
}

func (s *slogger) Debug(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelDebug, msg, fields)
}
func (s *slogger) Info(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelInfo, msg, fields)
}
func (s *slogger) Warn(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelWarn, msg, fields)
}
func (s *slogger) Error(ctx context.Context, msg string, fields ...Field) {
	s.log(ctx, slog.LevelError, msg, fields)
}

type noopLogger struct{}

func (noopLogger) With(...Field) Logger                    { return noopLogger{} }
func (noopLogger) Debug(context.Context, string, ...Field) {}
func (noopLogger) Info(context.Context, string, ...Field)  {}
func (noopLogger) Warn(context.Context, string, ...Field)  {}
func (noopLogger) Error(context.Context, string, ...Field) {}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// WithRequestID stores id on ctx, generating one when id is empty.
func WithRequestID(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, id), id
}

// RequestID returns the request id stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	if l == nil {
		l = Noop()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger stored on ctx or fallback. A nil fallback
// yields Noop.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(Logger); ok {
			return l
		}
	}
	if fallback == nil {
		return Noop()
	}
	return fallback
}

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID returns a new context carrying the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID retrieves the request ID from ctx, or "" when there is none.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// New builds a slog logger. Format "json" writes JSON lines, anything else
// writes the text handler's key=value output.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init installs the logger as the slog default and returns it.
func Init(level, format string) *slog.Logger {
	l := New(os.Stdout, level, format)
	slog.SetDefault(l)
	return l
}

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

// CtxInfo logs at info level with the request ID attached when present.
func CtxInfo(ctx context.Context, msg string, args ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelInfo, msg, withRequestID(ctx, args)...)
}

func CtxWarn(ctx context.Context, msg string, args ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg, withRequestID(ctx, args)...)
}

func CtxError(ctx context.Context, msg string, err error, args ...slog.Attr) {
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	slog.LogAttrs(ctx, slog.LevelError, msg, withRequestID(ctx, args)...)
}

func withRequestID(ctx context.Context, args []slog.Attr) []slog.Attr {
	if id := RequestID(ctx); id != "" {
		args = append(args, slog.String("request_id", id))
	}
	return args
}

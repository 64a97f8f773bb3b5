package logger

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/env"
	apperr "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/rs/zerolog"
)

type Options struct {
	ServiceName string
	Level       zerolog.Level
	// WarnStack attaches a goroutine stack to warn entries as well as errors.
	WarnStack bool
	Output    io.Writer
}

// Logger resolves a zerolog entry from the context so fields added by
// middleware and the workflow driver follow the request or job through
// every layer.
type Logger struct {
	base      zerolog.Logger
	warnStack bool
}

type ctxKey struct{}

func New(opts Options) *Logger {
	level := opts.Level
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if env.Get(env.LogFormat, "json") == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return &Logger{
		base: zerolog.New(out).Level(level).With().
			Timestamp().
			Str("service", opts.ServiceName).
			Logger(),
		warnStack: opts.WarnStack,
	}
}

// ParseLevel maps a config string to a level, defaulting to info.
func ParseLevel(value string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(value)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Zerolog exposes the context entry for adapters that log through zerolog
// directly, such as the GORM bridge.
func (l *Logger) Zerolog(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if entry, ok := ctx.Value(ctxKey{}).(*zerolog.Logger); ok {
			return entry
		}
	}
	return &l.base
}

func (l *Logger) with(ctx context.Context, build func(zerolog.Context) zerolog.Context) context.Context {
	entry := build(l.Zerolog(ctx).With()).Logger()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, &entry)
}

func (l *Logger) WithField(ctx context.Context, key string, value any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithFields(ctx context.Context, fields map[string]any) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

func (l *Logger) WithRequestID(ctx context.Context, id string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("request_id", id) })
}

func (l *Logger) WithJobID(ctx context.Context, id string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("job_id", id) })
}

func (l *Logger) WithOwnerID(ctx context.Context, id string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("owner_id", id) })
}

// WithTxID tags entries with a custody transaction id.
func (l *Logger) WithTxID(ctx context.Context, id string) context.Context {
	return l.with(ctx, func(c zerolog.Context) zerolog.Context { return c.Str("tx_id", id) })
}

func (l *Logger) Debug(ctx context.Context, msg string) {
	l.Zerolog(ctx).Debug().Msg(msg)
}

func (l *Logger) Info(ctx context.Context, msg string) {
	l.Zerolog(ctx).Info().Msg(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string) {
	event := l.Zerolog(ctx).Warn()
	if l.warnStack {
		event = event.Str("stack", stackTrace())
	}
	event.Msg(msg)
}

// Error logs err with a stack. Typed application errors also carry their
// error_code so alerts can group by it.
func (l *Logger) Error(ctx context.Context, msg string, err error) {
	event := l.Zerolog(ctx).Error()
	if err != nil {
		event = event.Err(err)
		if typed := apperr.As(err); typed != nil {
			event = event.Str("error_code", string(typed.Code()))
		}
	}
	event.Str("stack", stackTrace()).Msg(msg)
}

func stackTrace() string {
	return strings.TrimSpace(string(debug.Stack()))
}

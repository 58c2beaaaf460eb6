// Package log holds the slog plumbing shared by the booksync components:
// context-carried loggers, group filtering and handler fan-out.
package log

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct{}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// Component returns the context logger scoped to a component group, the
// unit --log-groups filters on.
func Component(ctx context.Context, name string) *slog.Logger {
	return LoggerFromContext(ctx).WithGroup(name)
}

// Err renders err as the "error" attribute. A nil error renders as an empty
// attribute, which handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

package log

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler tees records to several handlers, e.g. the console and a log
// file with different formats and levels.
type MultiHandler struct {
	children []slog.Handler
}

// NewMultiHandler skips nil handlers and unwraps a single survivor.
func NewMultiHandler(handlers ...slog.Handler) slog.Handler {
	pruned := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			pruned = append(pruned, h)
		}
	}
	if len(pruned) == 1 {
		return pruned[0]
	}
	return &MultiHandler{children: pruned}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.children {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, child := range h.children {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		if err := child.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(c slog.Handler) slog.Handler { return c.WithAttrs(attrs) })
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	return h.each(func(c slog.Handler) slog.Handler { return c.WithGroup(name) })
}

func (h *MultiHandler) each(fn func(slog.Handler) slog.Handler) *MultiHandler {
	children := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		children[i] = fn(child)
	}
	return &MultiHandler{children: children}
}

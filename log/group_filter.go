package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler filters records by their slog group path. Rules are
// dot-separated paths such as "orchestrator" or "hyperliquid.orders"; a
// record passes when its path equals a rule or sits below it. A rule with a
// leading "-" excludes that subtree and wins over inclusions.
type GroupFilterHandler struct {
	next    slog.Handler
	include []string
	exclude []string
	path    string
}

// NewGroupFilterHandler wraps next with the given rules. With no usable
// rules next is returned unchanged.
func NewGroupFilterHandler(next slog.Handler, rules []string) slog.Handler {
	if next == nil {
		return nil
	}
	h := &GroupFilterHandler{next: next}
	for _, rule := range rules {
		rule = strings.Trim(strings.ToLower(strings.TrimSpace(rule)), ".")
		switch {
		case rule == "" || rule == "-":
		case strings.HasPrefix(rule, "-"):
			h.exclude = append(h.exclude, strings.TrimPrefix(rule, "-"))
		default:
			h.include = append(h.include, rule)
		}
	}
	if len(h.include) == 0 && len(h.exclude) == 0 {
		return next
	}
	return h
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !h.allows() {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.allows() {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	if clone.path == "" {
		clone.path = strings.ToLower(name)
	} else {
		clone.path = clone.path + "." + strings.ToLower(name)
	}
	return &clone
}

func (h *GroupFilterHandler) allows() bool {
	for _, rule := range h.exclude {
		if under(h.path, rule) {
			return false
		}
	}
	if len(h.include) == 0 {
		return true
	}
	for _, rule := range h.include {
		if under(h.path, rule) {
			return true
		}
	}
	return false
}

func under(path, rule string) bool {
	return path == rule || strings.HasPrefix(path, rule+".")
}

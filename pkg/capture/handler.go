package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Handler is a slog.Handler that mirrors records into a Pipeline as log
// captures before passing them to the next handler, if any.
type Handler struct {
	pipeline *Pipeline
	next     slog.Handler
	level    slog.Leveler
	attrs    []string
	groups   []string
}

// NewHandler wraps next. A nil next makes the handler capture-only.
func NewHandler(p *Pipeline, next slog.Handler, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &Handler{pipeline: p, next: next, level: level}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		args := make([]any, 0, 1+len(h.attrs)+r.NumAttrs())
		args = append(args, r.Message)
		for _, a := range h.attrs {
			args = append(args, a)
		}
		prefix := strings.Join(h.groups, ".")
		r.Attrs(func(a slog.Attr) bool {
			args = append(args, formatAttr(prefix, a))
			return true
		})
		h.pipeline.CaptureLog(levelName(r.Level), args...)
	}
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		h2.attrs = append(h2.attrs, formatAttr(prefix, a))
	}
	if h.next != nil {
		h2.next = h.next.WithAttrs(attrs)
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	if h.next != nil {
		h2.next = h.next.WithGroup(name)
	}
	return &h2
}

func formatAttr(prefix string, a slog.Attr) string {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value.Resolve().Any())
}

// levelName maps slog levels onto console level names.
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

package logging

import (
	"context"
	"errors"
	"log/slog"
)

// teeHandler duplicates records into every wrapped handler that accepts the level.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}

// TeeLogger duplicates log output from base into the provided loggers'
// handlers. Nil entries are ignored.
func TeeLogger(base *slog.Logger, others ...*slog.Logger) *slog.Logger {
	handlers := make([]slog.Handler, 0, len(others)+1)
	if base != nil {
		handlers = append(handlers, base.Handler())
	}
	for _, other := range others {
		if other != nil {
			handlers = append(handlers, other.Handler())
		}
	}
	switch len(handlers) {
	case 0:
		return NewNop()
	case 1:
		return slog.New(handlers[0])
	}
	return slog.New(&teeHandler{handlers: handlers})
}

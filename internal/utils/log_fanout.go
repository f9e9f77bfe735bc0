package utils

import (
	"context"
	"errors"
	"log/slog"
)

// FanoutHandler duplicates slog records to several handlers, typically the
// colored console handler and the plain log-file handler. Each target keeps
// its own level gate, so the console can stay at info while the file
// captures debug.
type FanoutHandler struct {
	targets []slog.Handler
}

func NewFanoutHandler(targets ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{targets: targets}
}

// Enabled reports true if any target would accept the level.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, t := range h.targets {
		if t.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to every target whose level gate passes. A
// failing target never blocks the others; errors are joined.
func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, t := range h.targets {
		if !t.Enabled(ctx, r.Level) {
			continue
		}
		if err := t.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	targets := make([]slog.Handler, len(h.targets))
	for i, t := range h.targets {
		targets[i] = t.WithAttrs(attrs)
	}
	return NewFanoutHandler(targets...)
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	targets := make([]slog.Handler, len(h.targets))
	for i, t := range h.targets {
		targets[i] = t.WithGroup(name)
	}
	return NewFanoutHandler(targets...)
}

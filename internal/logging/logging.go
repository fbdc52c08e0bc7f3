// Package logging wires log/slog for scanorch. Attributes attached to a
// context with With are added to every record logged with that context, so
// adapter and executor logs carry the job and trace ids without threading
// them through every call.
package logging

import (
	"context"
	"io"
	"log/slog"
)

type ctxKey struct{}

// ContextHandler decorates a slog.Handler with attributes stored on the
// record's context.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps handler.
func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// With returns a copy of ctx carrying attrs in addition to any attributes
// already attached.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// Attrs returns the attributes attached to ctx.
func Attrs(ctx context.Context) []slog.Attr {
	a, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	return a
}

// New builds the process logger. JSON output is used for the long-running
// server, text output for one-shot commands.
func New(w io.Writer, verbose, jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: verbose}
	var base slog.Handler
	if jsonOutput {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewContextHandler(base))
}

// Package logging holds the small amount of shared slog plumbing used by the lifecycle packages
package logging

import (
	"context"
	"log/slog"
)

// nopHandler discards all records. Enabled reports false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Discard returns a logger that drops everything
func Discard() *slog.Logger { return slog.New(nopHandler{}) }

// OrDiscard returns logger, or a discarding logger if logger is nil
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// Package sideeffect runs best-effort work whose failure must never fail
// the surrounding operation.
package sideeffect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LeventeLantos/guest-messaging/internal/metrics"
)

// Run calls fn, logging and swallowing any error or panic. It reports
// whether fn succeeded.
func Run(ctx context.Context, logger *slog.Logger, name string, fn func(ctx context.Context) error, attrs ...any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			fail(logger, name, fmt.Errorf("panic: %v", r), attrs)
		}
	}()

	if err := fn(ctx); err != nil {
		fail(logger, name, err, attrs)
		return false
	}
	return true
}

func fail(logger *slog.Logger, name string, err error, attrs []any) {
	metrics.SideEffectFailuresTotal.WithLabelValues(name).Inc()
	if logger == nil {
		logger = slog.Default()
	}
	args := append([]any{slog.String("side_effect", name), slog.Any("error", err)}, attrs...)
	logger.Warn("best-effort side effect failed", args...)
}

// Emitter records operator-facing telemetry events.
type Emitter interface {
	Emit(ctx context.Context, event string, attrs ...any)
}

// LogEmitter writes telemetry events to slog.
type LogEmitter struct {
	Logger *slog.Logger
}

func (e LogEmitter) Emit(ctx context.Context, event string, attrs ...any) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "telemetry", append([]any{slog.String("event", event)}, attrs...)...)
}

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/vitalsync/internal/record"
)

// ErrBackendUnhealthy is returned when a sweep is skipped because the
// backend reported itself unavailable.
var ErrBackendUnhealthy = errors.New("telemetry: backend unhealthy, sweep skipped")

// Engine sweeps a fixed set of streams in parallel.
type Engine struct {
	sync    *Synchronizer
	streams []record.Type
	health  HealthChecker
	logger  *slog.Logger
}

// NewEngine creates an Engine over streams. health may be nil.
func NewEngine(s *Synchronizer, streams []record.Type, health HealthChecker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		sync:    s,
		streams: streams,
		health:  health,
		logger:  logger,
	}
}

// Streams returns the configured stream types.
func (e *Engine) Streams() []record.Type {
	return e.streams
}

// SyncAll sweeps every stream concurrently and waits for all of them. One
// stream failing or panicking does not stop the others; their errors are
// joined. When the backend is known to be unhealthy nothing is attempted.
func (e *Engine) SyncAll(ctx context.Context) ([]SweepResult, error) {
	if e.health != nil && !e.health.Healthy() {
		e.logger.Info("skipping sweep: backend unhealthy")
		return nil, ErrBackendUnhealthy
	}

	results := make([]SweepResult, len(e.streams))
	errs := make([]error, len(e.streams))

	var g errgroup.Group

	for i, typ := range e.streams {
		g.Go(func() error {
			results[i], errs[i] = e.safeSync(ctx, typ)
			return nil
		})
	}

	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			e.logger.Warn("stream sweep failed",
				slog.String("stream", StreamKey(e.streams[i])),
				slog.String("error", err.Error()),
			)
		}
	}

	return results, errors.Join(errs...)
}

// safeSync wraps Sync with panic recovery so one stream cannot take the
// daemon down.
func (e *Engine) safeSync(ctx context.Context, typ record.Type) (res SweepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in stream sweep",
				slog.String("stream", StreamKey(typ)),
				slog.Any("panic", r),
			)

			res = SweepResult{Stream: typ}
			err = fmt.Errorf("telemetry: panic in %s sweep: %v", typ, r)
		}
	}()

	return e.sync.Sync(ctx, typ)
}

package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultQuietPeriod is how long a refresh waits for further signals.
	DefaultQuietPeriod = 4 * time.Second

	// MaxQuietExtensions bounds how often signals can restart the quiet
	// period before the refresh runs anyway.
	MaxQuietExtensions = 3
)

// FetchFunc performs one downstream refresh.
type FetchFunc func(ctx context.Context) error

// RefreshDebouncer coalesces bursts of Schedule calls into one fetch that
// runs after a quiet period with no new calls, or after MaxQuietExtensions
// restarted quiet periods under a steady stream of calls. At most one
// refresh chain runs per debouncer.
type RefreshDebouncer struct {
	ctx    context.Context
	quiet  time.Duration
	health HealthChecker
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	pending bool
	fetch   FetchFunc

	wg        sync.WaitGroup
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewRefreshDebouncer creates a debouncer whose refresh chains run under
// ctx. health may be nil (always healthy).
func NewRefreshDebouncer(ctx context.Context, quiet time.Duration, health HealthChecker, logger *slog.Logger) *RefreshDebouncer {
	if logger == nil {
		logger = slog.Default()
	}

	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}

	return &RefreshDebouncer{
		ctx:       ctx,
		quiet:     quiet,
		health:    health,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// Schedule requests a refresh using fetch. The most recent fetch wins.
func (d *RefreshDebouncer) Schedule(fetch FetchFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fetch = fetch

	if d.running {
		d.pending = true
		return
	}

	d.running = true
	d.wg.Add(1)

	go d.loop()
}

// Wait blocks until any running refresh chain finishes.
func (d *RefreshDebouncer) Wait() {
	d.wg.Wait()
}

func (d *RefreshDebouncer) loop() {
	defer d.wg.Done()

	extensions := 0

	for {
		if err := d.sleepFunc(d.ctx, d.quiet); err != nil {
			d.stop()
			return
		}

		d.mu.Lock()
		if d.pending && extensions < MaxQuietExtensions {
			// More signals arrived while waiting: restart the quiet period.
			d.pending = false
			extensions++
			d.mu.Unlock()

			continue
		}

		if d.pending {
			d.logger.Debug("signals kept arriving, refreshing without quiet period",
				slog.Int("extensions", extensions),
			)
		}

		d.pending = false
		fetch := d.fetch
		d.mu.Unlock()

		d.invoke(fetch)

		d.mu.Lock()
		if !d.pending {
			d.running = false
			d.mu.Unlock()

			return
		}

		d.pending = false
		d.mu.Unlock()

		extensions = 0
	}
}

func (d *RefreshDebouncer) stop() {
	d.mu.Lock()
	d.running = false
	d.pending = false
	d.mu.Unlock()
}

func (d *RefreshDebouncer) invoke(fetch FetchFunc) {
	if fetch == nil {
		return
	}

	if d.health != nil && !d.health.Healthy() {
		d.logger.Info("skipping downstream refresh: backend unhealthy")
		return
	}

	if err := fetch(d.ctx); err != nil {
		d.logger.Warn("downstream refresh failed", slog.String("error", err.Error()))
		return
	}

	d.logger.Debug("downstream refresh complete")
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

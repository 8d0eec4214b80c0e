package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler defaults.
const (
	DefaultSweepInterval = 15 * time.Minute
	DefaultWindow        = 30 * time.Second
)

// WindowFunc is the work done inside one execution window. It must check
// ctx between steps; the window's ctx is canceled when the window expires.
type WindowFunc func(ctx context.Context) error

// Scheduler runs WindowFunc in time-bounded execution windows: periodically,
// after an explicit Schedule, or immediately on Trigger. An expired window is
// canceled cooperatively, reported to the OnExpire callback and rescheduled.
type Scheduler struct {
	fn       WindowFunc
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger

	trigger    chan struct{}
	reschedule chan time.Duration

	mu       sync.Mutex
	onExpire func()
}

// NewScheduler creates a Scheduler. Zero durations take the defaults.
func NewScheduler(fn WindowFunc, interval, window time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	if window <= 0 {
		window = DefaultWindow
	}

	return &Scheduler{
		fn:         fn,
		interval:   interval,
		window:     window,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		reschedule: make(chan time.Duration, 1),
	}
}

// Schedule arms the next window to open after d, replacing the pending
// deadline.
func (s *Scheduler) Schedule(after time.Duration) {
	for {
		select {
		case s.reschedule <- after:
			return
		default:
		}

		// Replace a stale request nobody has consumed yet.
		select {
		case <-s.reschedule:
		default:
		}
	}
}

// OnExpire registers fn to be called when a window expires with work
// still running.
func (s *Scheduler) OnExpire(fn func()) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

// Trigger opens a window as soon as possible. Triggers arriving while a
// window is open coalesce into one follow-up window.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is canceled. The first window opens
// after one interval unless Trigger or Schedule says otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.interval),
		slog.Duration("window", s.window),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil

		case d := <-s.reschedule:
			timer.Reset(d)

		case <-s.trigger:
			timer.Reset(s.next(ctx))

		case <-timer.C:
			timer.Reset(s.next(ctx))
		}
	}
}

// next runs one window and returns the delay until the following one.
func (s *Scheduler) next(ctx context.Context) time.Duration {
	if s.runWindow(ctx) {
		return s.window
	}

	return s.interval
}

// runWindow runs fn under the window deadline. It reports whether the
// window expired before fn returned.
func (s *Scheduler) runWindow(ctx context.Context) bool {
	wctx, cancel := context.WithTimeout(ctx, s.window)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- s.fn(wctx)
	}()

	select {
	case err := <-done:
		s.logWindowResult(err)
		return false

	case <-wctx.Done():
	}

	expired := errors.Is(wctx.Err(), context.DeadlineExceeded)
	if expired {
		s.logger.Warn("execution window expired, canceling in-flight work",
			slog.Duration("window", s.window),
		)

		s.mu.Lock()
		fn := s.onExpire
		s.mu.Unlock()

		if fn != nil {
			fn()
		}
	}

	// In-flight work finishes its current step before returning.
	s.logWindowResult(<-done)

	return expired
}

func (s *Scheduler) logWindowResult(err error) {
	if err == nil {
		s.logger.Debug("execution window complete")
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Info("execution window ended early", slog.String("error", err.Error()))
		return
	}

	s.logger.Warn("execution window failed", slog.String("error", err.Error()))
}

package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScheduler(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	return func() {
		stop()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestScheduler_TriggerOpensWindow(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 4)

	s := NewScheduler(func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, time.Hour, time.Second, testLogger(t))

	stop := runScheduler(t, s)
	defer stop()

	s.Trigger()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not run a window")
	}
}

func TestScheduler_ScheduleAfter(t *testing.T) {
	t.Parallel()

	ran := make(chan time.Time, 1)
	start := time.Now()

	s := NewScheduler(func(context.Context) error {
		select {
		case ran <- time.Now():
		default:
		}

		return nil
	}, time.Hour, time.Second, testLogger(t))

	stop := runScheduler(t, s)
	defer stop()

	s.Schedule(20 * time.Millisecond)

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled window never opened")
	}
}

func TestScheduler_ExpiredWindowCancelsAndReschedules(t *testing.T) {
	t.Parallel()

	var (
		windows  atomic.Int32
		expiries atomic.Int32
	)

	canceled := make(chan error, 4)

	s := NewScheduler(func(ctx context.Context) error {
		if windows.Add(1) == 1 {
			<-ctx.Done()
			canceled <- ctx.Err()

			return ctx.Err()
		}

		return nil
	}, time.Hour, 30*time.Millisecond, testLogger(t))

	s.OnExpire(func() { expiries.Add(1) })

	stop := runScheduler(t, s)
	defer stop()

	s.Trigger()

	select {
	case err := <-canceled:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("window was not canceled")
	}

	// The expired window is retried after one window length.
	require.Eventually(t, func() bool { return windows.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), expiries.Load())
}

func TestScheduler_TriggersCoalesce(t *testing.T) {
	t.Parallel()

	var windows atomic.Int32

	release := make(chan struct{})

	s := NewScheduler(func(context.Context) error {
		if windows.Add(1) == 1 {
			<-release
		}

		return nil
	}, time.Hour, 5*time.Second, testLogger(t))

	stop := runScheduler(t, s)
	defer stop()

	s.Trigger()
	require.Eventually(t, func() bool { return windows.Load() == 1 }, 5*time.Second, time.Millisecond)

	for range 5 {
		s.Trigger()
	}

	close(release)

	require.Eventually(t, func() bool { return windows.Load() == 2 }, 5*time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), windows.Load())
}

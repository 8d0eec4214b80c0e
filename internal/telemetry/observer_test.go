package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWatcher struct {
	added  []string
	events chan fsnotify.Event
	errs   chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan fsnotify.Event, 16), errs: make(chan error, 1)}
}

func (f *fakeWatcher) Add(name string) error         { f.added = append(f.added, name); return nil }
func (f *fakeWatcher) Close() error                  { return nil }
func (f *fakeWatcher) Events() <-chan fsnotify.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error          { return f.errs }

func TestStoreObserver_CoalescesWrites(t *testing.T) {
	t.Parallel()

	var changes atomic.Int32

	w := newFakeWatcher()
	o := NewStoreObserver("/data/quantity.db", 20*time.Millisecond, func() { changes.Add(1) }, testLogger(t))
	o.newWatcher = func() (FsWatcher, error) { return w, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- o.Run(ctx) }()

	for range 5 {
		w.events <- fsnotify.Event{Name: "/data/quantity.db-wal", Op: fsnotify.Write}
	}

	w.events <- fsnotify.Event{Name: "/data/other.db", Op: fsnotify.Write}
	w.events <- fsnotify.Event{Name: "/data/quantity.db", Op: fsnotify.Chmod}

	require.Eventually(t, func() bool { return changes.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), changes.Load())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"/data"}, w.added)
}

func TestStoreObserver_WatcherCreationFails(t *testing.T) {
	t.Parallel()

	o := NewStoreObserver("/data/quantity.db", 0, func() {}, testLogger(t))
	o.newWatcher = func() (FsWatcher, error) { return nil, errors.New("too many open files") }

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many open files")
}

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store observer tuning.
const (
	DefaultObserverSettle = 2 * time.Second
	watchErrInitBackoff   = time.Second
	watchErrMaxBackoff    = 30 * time.Second
	watchErrBackoffMult   = 2
)

// FsWatcher is the subset of *fsnotify.Watcher the observer uses.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// StoreObserver watches a device-local SQLite store and calls onChange
// once writes to it have settled. Writes land in the database file or its
// -wal/-journal siblings, so the containing directory is watched.
type StoreObserver struct {
	path     string
	settle   time.Duration
	onChange func()
	logger   *slog.Logger

	newWatcher func() (FsWatcher, error)
}

// NewStoreObserver creates an observer for the database at path.
func NewStoreObserver(path string, settle time.Duration, onChange func(), logger *slog.Logger) *StoreObserver {
	if logger == nil {
		logger = slog.Default()
	}

	if settle <= 0 {
		settle = DefaultObserverSettle
	}

	return &StoreObserver{
		path:     path,
		settle:   settle,
		onChange: onChange,
		logger:   logger,
		newWatcher: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return fsnotifyWrapper{w: w}, nil
		},
	}
}

// Run watches until ctx is canceled.
func (o *StoreObserver) Run(ctx context.Context) error {
	watcher, err := o.newWatcher()
	if err != nil {
		return fmt.Errorf("telemetry: creating store watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(o.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("telemetry: watching %s: %w", dir, err)
	}

	o.logger.Info("store observer started", slog.String("path", o.path))

	settle := time.NewTimer(o.settle)
	settle.Stop()
	defer settle.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if o.relevant(ev) {
				settle.Reset(o.settle)
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			o.logger.Warn("store watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if timeSleep(ctx, errBackoff) != nil {
				return nil
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-settle.C:
			o.logger.Debug("store changed, requesting sweep", slog.String("path", o.path))
			o.onChange()
		}
	}
}

func (o *StoreObserver) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}

	return strings.HasPrefix(filepath.Base(ev.Name), filepath.Base(o.path))
}

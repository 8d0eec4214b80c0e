package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/vitalsync/internal/ingest"
)

// SnapshotSlotPrefix prefixes the KV slot caching a downstream snapshot.
const SnapshotSlotPrefix = "snapshot:"

// SnapshotFetcher retrieves a downstream state document.
// *ingest.Client satisfies it.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, path string) (ingest.Snapshot, error)
}

// SnapshotRefresher fetches the downstream "current state" document after
// successful uploads and caches it for offline display. Requests are
// coalesced through a RefreshDebouncer.
type SnapshotRefresher struct {
	fetcher   SnapshotFetcher
	slots     SlotStore
	path      string
	debouncer *RefreshDebouncer
	logger    *slog.Logger
}

// NewSnapshotRefresher creates a refresher for path.
func NewSnapshotRefresher(
	fetcher SnapshotFetcher, slots SlotStore, path string, debouncer *RefreshDebouncer, logger *slog.Logger,
) *SnapshotRefresher {
	if logger == nil {
		logger = slog.Default()
	}

	return &SnapshotRefresher{
		fetcher:   fetcher,
		slots:     slots,
		path:      path,
		debouncer: debouncer,
		logger:    logger,
	}
}

// Request schedules a debounced refresh.
func (r *SnapshotRefresher) Request() {
	r.debouncer.Schedule(r.Refresh)
}

// Refresh fetches the snapshot now and stores it.
func (r *SnapshotRefresher) Refresh(ctx context.Context) error {
	snap, err := r.fetcher.Snapshot(ctx, r.path)
	if err != nil {
		return fmt.Errorf("telemetry: fetching snapshot %s: %w", r.path, err)
	}

	if err := r.slots.PutSlot(ctx, SnapshotSlotPrefix+r.path, snap.Body); err != nil {
		return fmt.Errorf("telemetry: caching snapshot %s: %w", r.path, err)
	}

	r.logger.Info("downstream snapshot cached",
		slog.String("path", r.path),
		slog.Int("bytes", len(snap.Body)),
		slog.Bool("from_mirror", snap.FromMirror),
	)

	return nil
}

// CachedSnapshot returns the cached snapshot for path and when it was
// stored. A missing cache returns nil with a zero time.
func CachedSnapshot(ctx context.Context, slots SlotStore, path string) ([]byte, time.Time, error) {
	body, at, err := slots.GetSlot(ctx, SnapshotSlotPrefix+path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("telemetry: reading cached snapshot %s: %w", path, err)
	}

	return body, at, nil
}

// Package telemetry moves samples from device-local sources to the ingestion
// service. A Synchronizer drains one stream per sweep from its cursor, the
// Engine fans sweeps out across streams, and the Scheduler, store observer
// and CLI decide when sweeps happen.
package telemetry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/source"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// DefaultPageSize bounds one source fetch.
const DefaultPageSize = 500

// Refresher is told when a sweep delivered data, so downstream views can
// be refreshed. *SnapshotRefresher satisfies it.
type Refresher interface {
	Request()
}

// SweepResult summarizes one stream sweep.
type SweepResult struct {
	Stream    record.Type
	Skipped   bool // another sweep of the same stream was in flight
	Restarted bool // the cursor was corrupt and the sweep backfilled from the start
	Pages     int
	Fetched   int
	Mapped    int
	Dropped   int
	Upload    upload.Result
	Advanced  bool
}

// Synchronizer performs incremental sweeps of individual streams. Sweeps of
// the same stream are single-flight; different streams may run in parallel.
type Synchronizer struct {
	src      source.Source
	cursors  CursorStore
	mapper   record.Mapper
	uploader Uploader
	refresh  Refresher
	pageSize int
	flights  *flightGroup
	logger   *slog.Logger
}

// NewSynchronizer creates a Synchronizer. refresh may be nil.
func NewSynchronizer(
	src source.Source, cursors CursorStore, mapper record.Mapper,
	uploader Uploader, refresh Refresher, pageSize int, logger *slog.Logger,
) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Synchronizer{
		src:      src,
		cursors:  cursors,
		mapper:   mapper,
		uploader: uploader,
		refresh:  refresh,
		pageSize: pageSize,
		flights:  newFlightGroup(),
		logger:   logger,
	}
}

// Sync runs one sweep of stream typ. If a sweep of typ is already running
// the call returns immediately with Skipped set.
func (s *Synchronizer) Sync(ctx context.Context, typ record.Type) (SweepResult, error) {
	key := StreamKey(typ)

	if !s.flights.begin(key) {
		s.logger.Debug("sweep already in flight, dropping trigger", slog.String("stream", key))
		return SweepResult{Stream: typ, Skipped: true}, nil
	}
	defer s.flights.end(key)

	res, err := s.sweep(ctx, typ, key)
	if errors.Is(err, source.ErrCorruptCursor) {
		s.logger.Warn("cursor rejected by source, clearing for full backfill",
			slog.String("stream", key),
			slog.String("error", err.Error()),
		)

		s.persistCursor(ctx, key, nil)

		res, err = s.sweep(ctx, typ, key)
		res.Restarted = true
	}

	if err != nil {
		return res, err
	}

	s.logger.Info("sweep complete",
		slog.String("stream", key),
		slog.Int("pages", res.Pages),
		slog.Int("fetched", res.Fetched),
		slog.Int("mapped", res.Mapped),
		slog.Int("dropped", res.Dropped),
		slog.Int("accepted", res.Upload.Accepted),
		slog.Bool("advanced", res.Advanced),
	)

	return res, nil
}

// InFlight reports whether a sweep of typ is currently running.
func (s *Synchronizer) InFlight(typ record.Type) bool {
	return s.flights.active(StreamKey(typ))
}

func (s *Synchronizer) sweep(ctx context.Context, typ record.Type, key string) (SweepResult, error) {
	res := SweepResult{Stream: typ}

	start, err := s.cursors.GetCursor(ctx, key)
	if err != nil {
		return res, fmt.Errorf("telemetry: reading cursor %s: %w", key, err)
	}

	collected, end, pages, err := s.drain(ctx, typ, start)
	res.Pages = pages
	res.Fetched = len(collected)

	if err != nil {
		return res, err
	}

	wire, dropped := s.mapper.MapAll(collected)
	res.Mapped = len(wire)
	res.Dropped = dropped

	if dropped > 0 {
		s.logger.Info("dropped implausible records",
			slog.String("stream", key),
			slog.Int("dropped", dropped),
		)
	}

	if len(wire) == 0 {
		if !bytes.Equal(start, end) {
			res.Advanced = s.persistCursor(ctx, key, end)
		}

		return res, nil
	}

	res.Upload = s.uploader.Upload(ctx, wire)
	if !res.Upload.Delivered() {
		s.logger.Warn("upload incomplete, cursor unchanged",
			slog.String("stream", key),
			slog.Int("records", len(wire)),
			slog.Int("failed", res.Upload.Failed),
			slog.Int("poisoned", res.Upload.Poisoned),
		)

		return res, nil
	}

	res.Advanced = s.persistCursor(ctx, key, end)

	if s.refresh != nil && res.Upload.OK() {
		s.refresh.Request()
	}

	return res, nil
}

// drain fetches pages until a short page, returning every record and the
// cursor after the last one. Pages are fetched strictly in sequence.
func (s *Synchronizer) drain(
	ctx context.Context, typ record.Type, cursor []byte,
) ([]record.SourceRecord, []byte, int, error) {
	var (
		collected []record.SourceRecord
		pages     int
	)

	pos := cursor

	for {
		if err := ctx.Err(); err != nil {
			return collected, pos, pages, fmt.Errorf("telemetry: sweep of %s canceled: %w", typ, err)
		}

		page, err := s.src.FetchPage(ctx, typ, pos, s.pageSize)
		if err != nil {
			return collected, pos, pages, fmt.Errorf("telemetry: fetching %s page %d: %w", typ, pages+1, err)
		}

		pages++
		collected = append(collected, page.Records...)

		if page.Next != nil {
			pos = page.Next
		}

		if len(page.Records) < s.pageSize {
			return collected, pos, pages, nil
		}
	}
}

// persistCursor writes a cursor. Failures are logged, not returned: the
// next sweep re-fetches from the old position.
func (s *Synchronizer) persistCursor(ctx context.Context, key string, pos []byte) bool {
	if err := s.cursors.SetCursor(ctx, key, pos); err != nil {
		s.logger.Warn("failed to persist cursor",
			slog.String("stream", key),
			slog.String("error", err.Error()),
		)

		return false
	}

	return true
}

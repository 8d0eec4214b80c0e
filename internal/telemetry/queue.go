package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// EventQueueSlot is the KV slot holding the offline event queue.
const EventQueueSlot = "offline_events"

// ErrEventNotFound is returned by Replace for an unknown id.
var ErrEventNotFound = errors.New("telemetry: queued event not found")

// errUnchanged aborts a mutation that would leave the stored queue as is.
var errUnchanged = errors.New("telemetry: event queue unchanged")

// EventQueue is the durable offline queue of user-entered events. Every
// mutation re-reads the stored queue and applies itself by id inside one
// state transaction, so events written by another process in the meantime
// are kept. A mutation whose write fails leaves the in-memory queue
// unchanged.
type EventQueue struct {
	slots  SlotStore
	logger *slog.Logger

	mu     sync.Mutex
	events []record.QueuedEvent
}

// LoadEventQueue reads the queue from slots. Codes are re-normalized on
// decode, so legacy entries are healed and written back.
func LoadEventQueue(ctx context.Context, slots SlotStore, logger *slog.Logger) (*EventQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	q := &EventQueue{slots: slots, logger: logger}

	raw, _, err := slots.GetSlot(ctx, EventQueueSlot)
	if err != nil {
		return nil, fmt.Errorf("telemetry: loading event queue: %w", err)
	}

	q.events, err = decodeEvents(raw)
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		healed, err := json.Marshal(q.events)
		if err != nil {
			return nil, fmt.Errorf("telemetry: encoding event queue: %w", err)
		}

		if string(healed) != string(raw) {
			err := q.mutate(ctx, func(events []record.QueuedEvent) ([]record.QueuedEvent, error) {
				return events, nil
			})
			if err != nil {
				logger.Warn("failed to rewrite normalized event queue", slog.String("error", err.Error()))
			}
		}
	}

	logger.Debug("event queue loaded", slog.Int("events", len(q.events)))

	return q, nil
}

func decodeEvents(raw []byte) ([]record.QueuedEvent, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var events []record.QueuedEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("telemetry: decoding event queue: %w", err)
	}

	return events, nil
}

// Enqueue appends ev.
func (q *EventQueue) Enqueue(ctx context.Context, ev record.QueuedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev = ev.Clone()
	ev.Code = record.NormalizeCode(ev.Code)

	err := q.mutate(ctx, func(events []record.QueuedEvent) ([]record.QueuedEvent, error) {
		return append(events, ev), nil
	})
	if err != nil {
		return err
	}

	q.logger.Info("event queued",
		slog.String("id", ev.ID.String()),
		slog.String("code", ev.Code),
		slog.Int("queued", len(q.events)),
	)

	return nil
}

// Remove deletes the events with the given ids and returns how many were
// removed. Unknown ids are ignored.
func (q *EventQueue) Remove(ctx context.Context, ids ...uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	var removed int

	err := q.mutate(ctx, func(events []record.QueuedEvent) ([]record.QueuedEvent, error) {
		next := slices.DeleteFunc(events, func(e record.QueuedEvent) bool {
			_, ok := drop[e.ID]
			return ok
		})

		removed = len(events) - len(next)
		if removed == 0 {
			return next, errUnchanged
		}

		return next, nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// Replace swaps the event stored under id for ev. The stored copy keeps id.
func (q *EventQueue) Replace(ctx context.Context, id uuid.UUID, ev record.QueuedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev = ev.Clone()
	ev.ID = id
	ev.Code = record.NormalizeCode(ev.Code)

	return q.mutate(ctx, func(events []record.QueuedEvent) ([]record.QueuedEvent, error) {
		idx := slices.IndexFunc(events, func(e record.QueuedEvent) bool { return e.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}

		events[idx] = ev

		return events, nil
	})
}

// All returns a copy of the queued events in insertion order.
func (q *EventQueue) All() []record.QueuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]record.QueuedEvent, len(q.events))
	for i := range q.events {
		out[i] = q.events[i].Clone()
	}

	return out
}

// Count returns the number of queued events.
func (q *EventQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.events)
}

// Clear removes every queued event.
func (q *EventQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(ctx, func([]record.QueuedEvent) ([]record.QueuedEvent, error) {
		return nil, nil
	})
}

// mutate applies fn to the stored queue and, once written, adopts the
// result as the in-memory queue. fn returning errUnchanged still refreshes
// the in-memory queue from storage. Callers hold q.mu.
func (q *EventQueue) mutate(
	ctx context.Context, fn func([]record.QueuedEvent) ([]record.QueuedEvent, error),
) error {
	var next []record.QueuedEvent

	err := q.slots.UpdateSlot(ctx, EventQueueSlot, func(current []byte) ([]byte, error) {
		events, err := decodeEvents(current)
		if err != nil {
			return nil, err
		}

		next, err = fn(events)
		if errors.Is(err, errUnchanged) {
			next = events
			return nil, err
		}

		if err != nil {
			return nil, err
		}

		if next == nil {
			next = []record.QueuedEvent{}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("telemetry: encoding event queue: %w", err)
		}

		return data, nil
	})

	if err != nil && !errors.Is(err, errUnchanged) {
		return err
	}

	q.events = next

	return nil
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	Attempted  int
	Unmappable int
	Removed    int
	Upload     upload.Result
}

// Flush uploads every queued event through gate and removes the events
// once the batch was delivered without transient failures. A batch with
// failed records is kept whole for the next flush; the server may see
// duplicates, which it deduplicates by event id.
func (q *EventQueue) Flush(
	ctx context.Context, gate *upload.Gate, up Uploader, mapper record.Mapper,
) (FlushResult, error) {
	pending := q.All()
	if len(pending) == 0 {
		return FlushResult{}, nil
	}

	ids := make([]uuid.UUID, 0, len(pending))
	wire := make([]record.WireRecord, 0, len(pending))

	var res FlushResult

	for i := range pending {
		w, ok := mapper.Map(pending[i].ToSource())
		if !ok {
			res.Unmappable++
			q.logger.Warn("queued event cannot be mapped, keeping it",
				slog.String("id", pending[i].ID.String()),
				slog.String("code", pending[i].Code),
			)

			continue
		}

		ids = append(ids, pending[i].ID)
		wire = append(wire, w)
	}

	res.Attempted = len(wire)
	if len(wire) == 0 {
		return res, nil
	}

	if err := gate.Acquire(ctx); err != nil {
		return res, fmt.Errorf("telemetry: waiting for upload gate: %w", err)
	}
	defer gate.Release()

	res.Upload = up.Upload(ctx, wire)

	if !res.Upload.Delivered() {
		q.logger.Warn("event flush incomplete, keeping queue",
			slog.Int("events", len(wire)),
			slog.Int("accepted", res.Upload.Accepted),
			slog.Int("failed", res.Upload.Failed),
		)

		return res, nil
	}

	removed, err := q.Remove(ctx, ids...)
	if err != nil {
		return res, err
	}

	res.Removed = removed

	q.logger.Info("event queue flushed",
		slog.Int("removed", removed),
		slog.Int("poisoned", res.Upload.Poisoned),
	)

	return res, nil
}

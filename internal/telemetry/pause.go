package telemetry

import (
	"context"
	"fmt"
	"time"
)

// PauseSlot holds the pause marker: empty for an indefinite pause, or the
// RFC 3339 time at which sweeps resume on their own.
const PauseSlot = "paused_until"

// Pause stops scheduled sweeps until until, or indefinitely when until is
// zero.
func Pause(ctx context.Context, slots SlotStore, until time.Time) error {
	var value []byte
	if !until.IsZero() {
		value = []byte(until.UTC().Format(time.RFC3339))
	}

	if err := slots.PutSlot(ctx, PauseSlot, value); err != nil {
		return fmt.Errorf("telemetry: pausing: %w", err)
	}

	return nil
}

// Resume clears any pause.
func Resume(ctx context.Context, slots SlotStore) error {
	if err := slots.DeleteSlot(ctx, PauseSlot); err != nil {
		return fmt.Errorf("telemetry: resuming: %w", err)
	}

	return nil
}

// PauseState reports whether sweeps are paused at now. until is zero for an
// indefinite pause. An expired pause reports false.
func PauseState(ctx context.Context, slots SlotStore, now time.Time) (paused bool, until time.Time, err error) {
	value, stored, err := slots.GetSlot(ctx, PauseSlot)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("telemetry: reading pause: %w", err)
	}

	if stored.IsZero() {
		return false, time.Time{}, nil
	}

	if len(value) == 0 {
		return true, time.Time{}, nil
	}

	until, err = time.Parse(time.RFC3339, string(value))
	if err != nil {
		return false, time.Time{}, nil //nolint:nilerr // unreadable marker means not paused
	}

	return now.Before(until), until, nil
}

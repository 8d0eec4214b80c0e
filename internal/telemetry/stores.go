package telemetry

import (
	"context"
	"time"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// CursorStore persists one opaque position per stream key. Setting a nil
// position removes the cursor and forces a full backfill. *state.Store
// satisfies it.
type CursorStore interface {
	GetCursor(ctx context.Context, streamKey string) ([]byte, error)
	SetCursor(ctx context.Context, streamKey string, position []byte) error
	ClearCursors(ctx context.Context, keys []string) error
}

// SlotStore is a named key-value slot store. *state.Store satisfies it.
type SlotStore interface {
	GetSlot(ctx context.Context, slot string) ([]byte, time.Time, error)
	PutSlot(ctx context.Context, slot string, value []byte) error
	UpdateSlot(ctx context.Context, slot string, fn func(current []byte) ([]byte, error)) error
	DeleteSlot(ctx context.Context, slot string) error
}

// Uploader delivers wire records. *upload.Uploader satisfies it.
type Uploader interface {
	Upload(ctx context.Context, records []record.WireRecord) upload.Result
}

// HealthChecker reports the latest known backend health.
// *ingest.HealthGate satisfies it.
type HealthChecker interface {
	Healthy() bool
}

// StreamKey is the cursor key for a quantity stream.
func StreamKey(t record.Type) string {
	return "quantity/" + string(t)
}

// Package source reads raw samples from device-local data sources in pages,
// resuming from an opaque cursor. The cursor encoding belongs to the source;
// callers only store it and hand it back.
package source

import (
	"context"
	"errors"

	"github.com/tonimelisma/vitalsync/internal/record"
)

// ErrCorruptCursor is returned when a cursor cannot be decoded. Callers
// clear the cursor and backfill from the beginning.
var ErrCorruptCursor = errors.New("source: corrupt cursor")

// Page is one slice of a stream. Next is the cursor positioned after the
// last record in the page; it is never nil on success.
type Page struct {
	Records []record.SourceRecord
	Next    []byte
}

// Source is a paged, cursor-resumable reader of raw samples.
type Source interface {
	FetchPage(ctx context.Context, typ record.Type, cursor []byte, limit int) (Page, error)
}

// Package state persists synchronization progress on the device: one opaque
// cursor per stream key and a handful of named key-value slots (offline event
// queue, cached downstream snapshots). Everything lives in a single SQLite
// database in WAL mode with one writer connection.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const (
	sqlGetCursor = `SELECT position FROM cursors WHERE stream_key = ?`

	sqlUpsertCursor = `INSERT INTO cursors (stream_key, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(stream_key) DO UPDATE SET
		 position = excluded.position,
		 updated_at = excluded.updated_at`

	sqlDeleteCursor = `DELETE FROM cursors WHERE stream_key = ?`

	sqlListCursors = `SELECT stream_key, position, updated_at FROM cursors ORDER BY stream_key`

	sqlGetSlot = `SELECT value, updated_at FROM kv_slots WHERE slot = ?`

	sqlUpsertSlot = `INSERT INTO kv_slots (slot, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDeleteSlot = `DELETE FROM kv_slots WHERE slot = ?`

	// Writing first takes the database write lock before the slot is read,
	// so a concurrent updater in another process waits on busy_timeout.
	sqlLockSlots = `UPDATE kv_slots SET value = value WHERE slot = ?`
)

// Store is the sole writer to the device state database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// CursorInfo describes a stored cursor for status display.
type CursorInfo struct {
	StreamKey string
	Position  []byte
	UpdatedAt time.Time
}

// Open opens (creating if needed) the state database at dbPath and applies
// migrations. The database uses WAL mode with synchronous=FULL so an
// acknowledged cursor write survives power loss.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("state store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// GetCursor returns the saved position for streamKey, or nil if none has
// been saved.
func (s *Store) GetCursor(ctx context.Context, streamKey string) ([]byte, error) {
	var pos []byte

	err := s.db.QueryRowContext(ctx, sqlGetCursor, streamKey).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting cursor for %s: %w", streamKey, err)
	}

	return pos, nil
}

// SetCursor overwrites the cursor for streamKey. A nil position removes the
// stored cursor, forcing the next sweep to backfill from the beginning.
func (s *Store) SetCursor(ctx context.Context, streamKey string, position []byte) error {
	if position == nil {
		if _, err := s.db.ExecContext(ctx, sqlDeleteCursor, streamKey); err != nil {
			return fmt.Errorf("state: clearing cursor for %s: %w", streamKey, err)
		}

		s.logger.Info("cursor cleared", slog.String("stream", streamKey))

		return nil
	}

	_, err := s.db.ExecContext(ctx, sqlUpsertCursor, streamKey, position, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("state: saving cursor for %s: %w", streamKey, err)
	}

	return nil
}

// ClearCursors removes the cursors for all keys in one transaction.
func (s *Store) ClearCursors(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, sqlDeleteCursor, k); err != nil {
			return fmt.Errorf("state: clearing cursor for %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: committing cursor clear: %w", err)
	}

	s.logger.Info("cursors cleared", slog.Int("count", len(keys)))

	return nil
}

// ListCursors returns every stored cursor ordered by stream key.
func (s *Store) ListCursors(ctx context.Context) ([]CursorInfo, error) {
	rows, err := s.db.QueryContext(ctx, sqlListCursors)
	if err != nil {
		return nil, fmt.Errorf("state: listing cursors: %w", err)
	}
	defer rows.Close()

	var out []CursorInfo

	for rows.Next() {
		var (
			ci      CursorInfo
			updated int64
		)

		if err := rows.Scan(&ci.StreamKey, &ci.Position, &updated); err != nil {
			return nil, fmt.Errorf("state: scanning cursor row: %w", err)
		}

		ci.UpdatedAt = time.Unix(0, updated)
		out = append(out, ci)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating cursor rows: %w", err)
	}

	return out, nil
}

// GetSlot returns the value stored in slot and when it was written. A
// missing slot returns (nil, zero time, nil).
func (s *Store) GetSlot(ctx context.Context, slot string) ([]byte, time.Time, error) {
	var (
		value   []byte
		updated int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetSlot, slot).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}

	if err != nil {
		return nil, time.Time{}, fmt.Errorf("state: reading slot %s: %w", slot, err)
	}

	return value, time.Unix(0, updated), nil
}

// PutSlot replaces the value stored in slot.
func (s *Store) PutSlot(ctx context.Context, slot string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	if _, err := s.db.ExecContext(ctx, sqlUpsertSlot, slot, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("state: writing slot %s: %w", slot, err)
	}

	return nil
}

// UpdateSlot replaces the value of slot with fn(current) in one write
// transaction. current is nil for a missing slot. An error from fn aborts
// the update and is returned unwrapped.
func (s *Store) UpdateSlot(ctx context.Context, slot string, fn func(current []byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: beginning update of slot %s: %w", slot, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqlLockSlots, slot); err != nil {
		return fmt.Errorf("state: locking slot %s: %w", slot, err)
	}

	var (
		current []byte
		updated int64
	)

	err = tx.QueryRowContext(ctx, sqlGetSlot, slot).Scan(&current, &updated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("state: reading slot %s: %w", slot, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		next = []byte{}
	}

	if _, err := tx.ExecContext(ctx, sqlUpsertSlot, slot, next, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("state: writing slot %s: %w", slot, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: committing slot %s: %w", slot, err)
	}

	return nil
}

// DeleteSlot removes slot. Deleting a missing slot is not an error.
func (s *Store) DeleteSlot(ctx context.Context, slot string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSlot, slot); err != nil {
		return fmt.Errorf("state: deleting slot %s: %w", slot, err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

package source

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/vitalsync/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	cursorVersion = 0x01
	cursorLen     = 9

	sqlFetchPage = `SELECT id, type, start_ns, end_ns, value, unit, text_value
		FROM quantity_samples WHERE type = ? AND id > ? ORDER BY id LIMIT ?`

	sqlInsertSample = `INSERT INTO quantity_samples
		(type, start_ns, end_ns, value, unit, text_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlCountAfter = `SELECT COUNT(*) FROM quantity_samples WHERE type = ? AND id > ?`
)

// QuantityStore is the device-local quantity store: an append-only SQLite
// table of samples written by on-device producers and read incrementally by
// the synchronizer.
type QuantityStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenQuantityStore opens (creating if needed) the store at dbPath.
func OpenQuantityStore(ctx context.Context, dbPath string, logger *slog.Logger) (*QuantityStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("source: opening quantity store %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("source: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("source: creating migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("source: running migrations: %w", err)
	}

	logger.Debug("quantity store opened", slog.String("db_path", dbPath))

	return &QuantityStore{db: db, path: dbPath, logger: logger}, nil
}

// Path returns the database file path, for change observers.
func (q *QuantityStore) Path() string {
	return q.path
}

// Insert appends samples in one transaction.
func (q *QuantityStore) Insert(ctx context.Context, samples ...record.SourceRecord) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("source: beginning insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	for i := range samples {
		s := &samples[i]

		var value sql.NullFloat64
		if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
			value = sql.NullFloat64{Float64: s.Value, Valid: true}
		}

		_, err := tx.ExecContext(ctx, sqlInsertSample,
			string(s.Type), unixNano(s.Start), unixNano(s.End), value,
			nullString(s.Unit), nullString(s.Text), now,
		)
		if err != nil {
			return fmt.Errorf("source: inserting %s sample: %w", s.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("source: committing insert: %w", err)
	}

	return nil
}

// FetchPage returns up to limit samples of typ after cursor.
func (q *QuantityStore) FetchPage(ctx context.Context, typ record.Type, cursor []byte, limit int) (Page, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	rows, err := q.db.QueryContext(ctx, sqlFetchPage, string(typ), after, limit)
	if err != nil {
		return Page{}, fmt.Errorf("source: fetching %s page: %w", typ, err)
	}
	defer rows.Close()

	page := Page{Records: make([]record.SourceRecord, 0, limit)}
	last := after

	for rows.Next() {
		var (
			id             int64
			typName        string
			startNs, endNs int64
			value          sql.NullFloat64
			unit, text     sql.NullString
		)

		if err := rows.Scan(&id, &typName, &startNs, &endNs, &value, &unit, &text); err != nil {
			return Page{}, fmt.Errorf("source: scanning sample: %w", err)
		}

		rec := record.SourceRecord{
			Type:  record.Type(typName),
			Start: fromUnixNano(startNs),
			End:   fromUnixNano(endNs),
			Value: math.NaN(),
			Unit:  unit.String,
			Text:  text.String,
		}

		if value.Valid {
			rec.Value = value.Float64
		}

		page.Records = append(page.Records, rec)
		last = id
	}

	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("source: iterating samples: %w", err)
	}

	page.Next = encodeCursor(last)

	return page, nil
}

// Pending counts samples of typ after cursor, for status display.
func (q *QuantityStore) Pending(ctx context.Context, typ record.Type, cursor []byte) (int, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return 0, err
	}

	var n int
	if err := q.db.QueryRowContext(ctx, sqlCountAfter, string(typ), after).Scan(&n); err != nil {
		return 0, fmt.Errorf("source: counting %s samples: %w", typ, err)
	}

	return n, nil
}

// Close closes the underlying database.
func (q *QuantityStore) Close() error {
	return q.db.Close()
}

func encodeCursor(id int64) []byte {
	b := make([]byte, cursorLen)
	b[0] = cursorVersion
	binary.BigEndian.PutUint64(b[1:], uint64(id))

	return b
}

func decodeCursor(b []byte) (int64, error) {
	if b == nil {
		return 0, nil
	}

	if len(b) != cursorLen || b[0] != cursorVersion {
		return 0, fmt.Errorf("%w: %d bytes", ErrCorruptCursor, len(b))
	}

	id := binary.BigEndian.Uint64(b[1:])
	if id > math.MaxInt64 {
		return 0, fmt.Errorf("%w: position overflow", ErrCorruptCursor)
	}

	return int64(id), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns).UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

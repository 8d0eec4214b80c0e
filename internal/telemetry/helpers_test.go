package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/source"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

var testMapper = record.Mapper{UserID: "u-1", DeviceOS: "linux", Source: "test"}

func hrSample(sec int, bpm float64) record.SourceRecord {
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
	return record.SourceRecord{Type: record.TypeHeartRate, Start: ts, End: ts, Value: bpm, Unit: "bpm"}
}

// memSource is an in-memory paged source. Cursors are decimal offsets.
type memSource struct {
	mu      sync.Mutex
	records map[record.Type][]record.SourceRecord
	fetches int
}

func newMemSource() *memSource {
	return &memSource{records: make(map[record.Type][]record.SourceRecord)}
}

func (m *memSource) add(recs ...record.SourceRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range recs {
		m.records[r.Type] = append(m.records[r.Type], r)
	}
}

func (m *memSource) FetchPage(_ context.Context, typ record.Type, cursor []byte, limit int) (source.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++

	off := 0

	if cursor != nil {
		n, err := strconv.Atoi(string(cursor))
		if err != nil {
			return source.Page{}, source.ErrCorruptCursor
		}

		off = n
	}

	all := m.records[typ]
	end := min(off+limit, len(all))

	page := source.Page{Next: []byte(strconv.Itoa(end))}
	if off < end {
		page.Records = append(page.Records, all[off:end]...)
	}

	return page, nil
}

func offset(t *testing.T, cursor []byte) int {
	t.Helper()

	n, err := strconv.Atoi(string(cursor))
	if err != nil {
		t.Fatalf("cursor %q is not an offset", cursor)
	}

	return n
}

// memCursors is an in-memory CursorStore that records every write.
type memCursors struct {
	mu      sync.Mutex
	cursors map[string][]byte
	writes  [][]byte
	failSet bool
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string][]byte)}
}

func (m *memCursors) GetCursor(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cursors[key], nil
}

func (m *memCursors) SetCursor(_ context.Context, key string, pos []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSet {
		return errors.New("disk full")
	}

	m.writes = append(m.writes, pos)

	if pos == nil {
		delete(m.cursors, key)
		return nil
	}

	m.cursors[key] = pos

	return nil
}

func (m *memCursors) ClearCursors(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.cursors, k)
	}

	return nil
}

func (m *memCursors) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cursors[key]
}

// fakeUploader records every batch. result decides the outcome; by default
// every record is accepted.
type fakeUploader struct {
	mu      sync.Mutex
	batches [][]record.WireRecord
	result  func(recs []record.WireRecord) upload.Result
}

func (f *fakeUploader) Upload(_ context.Context, recs []record.WireRecord) upload.Result {
	f.mu.Lock()
	f.batches = append(f.batches, recs)
	fn := f.result
	f.mu.Unlock()

	if fn != nil {
		return fn(recs)
	}

	return upload.Result{Accepted: len(recs), Chunks: 1}
}

func (f *fakeUploader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.batches)
}

func failAll(recs []record.WireRecord) upload.Result {
	return upload.Result{Failed: len(recs), Chunks: 1}
}

type countingRefresher struct {
	mu sync.Mutex
	n  int
}

func (c *countingRefresher) Request() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingRefresher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.n
}

type fixedHealth bool

func (h fixedHealth) Healthy() bool { return bool(h) }

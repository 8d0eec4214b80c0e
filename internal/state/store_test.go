package state

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(context.Background(), dbPath, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})

	return s, dbPath
}

func TestOpen_WALMode(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_RunsMigrations(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	var count int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM goose_db_version WHERE version_id > 0",
	).Scan(&count)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestCursor_MissingIsNil(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)

	pos, err := s.GetCursor(context.Background(), "heart_rate")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestCursor_SetOverwriteAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.SetCursor(ctx, "heart_rate", []byte("a")))
	require.NoError(t, s.SetCursor(ctx, "heart_rate", []byte("b")))

	pos, err := s.GetCursor(ctx, "heart_rate")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), pos)

	require.NoError(t, s.SetCursor(ctx, "heart_rate", nil))

	pos, err = s.GetCursor(ctx, "heart_rate")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestCursor_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SetCursor(ctx, "spo2", []byte{0x01, 0x02}))
	require.NoError(t, s.Close())

	s, err = Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	pos, err := s.GetCursor(ctx, "spo2")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, pos)
}

func TestClearCursors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.SetCursor(ctx, k, []byte(k)))
	}

	require.NoError(t, s.ClearCursors(ctx, []string{"a", "c", "missing"}))

	list, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].StreamKey)
}

func TestListCursors_UpdatedAt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return fixed }

	require.NoError(t, s.SetCursor(ctx, "steps", []byte("x")))

	list, err := s.ListCursors(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, fixed.Equal(list[0].UpdatedAt))
}

func TestSlots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	v, at, err := s.GetSlot(ctx, "queue")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, at.IsZero())

	require.NoError(t, s.PutSlot(ctx, "queue", []byte(`[]`)))
	require.NoError(t, s.PutSlot(ctx, "queue", []byte(`[1]`)))

	v, at, err = s.GetSlot(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[1]`), v)
	assert.False(t, at.IsZero())

	require.NoError(t, s.DeleteSlot(ctx, "queue"))
	require.NoError(t, s.DeleteSlot(ctx, "queue"))

	v, _, err = s.GetSlot(ctx, "queue")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestUpdateSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.UpdateSlot(ctx, "queue", func(cur []byte) ([]byte, error) {
		assert.Nil(t, cur)
		return []byte("a"), nil
	}))

	require.NoError(t, s.UpdateSlot(ctx, "queue", func(cur []byte) ([]byte, error) {
		return append(cur, 'b'), nil
	}))

	boom := errors.New("boom")
	err := s.UpdateSlot(ctx, "queue", func([]byte) ([]byte, error) {
		return []byte("lost"), boom
	})
	require.ErrorIs(t, err, boom)

	v, _, err := s.GetSlot(ctx, "queue")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v)
}

func TestUpdateSlot_ConcurrentStoresSerialize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, dbPath := newTestStore(t)

	b, err := Open(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, b.Close()) })

	const perStore = 20

	var wg sync.WaitGroup

	for _, s := range []*Store{a, b} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range perStore {
				assert.NoError(t, s.UpdateSlot(ctx, "counter", func(cur []byte) ([]byte, error) {
					return append(cur, 'x'), nil
				}))
			}
		}()
	}

	wg.Wait()

	v, _, err := a.GetSlot(ctx, "counter")
	require.NoError(t, err)
	assert.Len(t, v, 2*perStore)
}

package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPause_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestState(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { assert.NoError(t, st.Close()) })

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	paused, _, err := PauseState(ctx, st, now)
	require.NoError(t, err)
	assert.False(t, paused, "fresh store is not paused")

	require.NoError(t, Pause(ctx, st, time.Time{}))

	paused, until, err := PauseState(ctx, st, now)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, until.IsZero(), "indefinite pause has no end")

	require.NoError(t, Pause(ctx, st, now.Add(time.Hour)))

	paused, until, err = PauseState(ctx, st, now)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, now.Add(time.Hour), until)

	paused, _, err = PauseState(ctx, st, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, paused, "expired pause")

	require.NoError(t, Resume(ctx, st))

	paused, _, err = PauseState(ctx, st, now)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestPauseState_UnreadableMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestState(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { assert.NoError(t, st.Close()) })

	require.NoError(t, st.PutSlot(ctx, PauseSlot, []byte("next tuesday")))

	paused, _, err := PauseState(ctx, st, time.Now())
	require.NoError(t, err)
	assert.False(t, paused)
}

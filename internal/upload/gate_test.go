package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_MutualExclusion(t *testing.T) {
	g := NewGate()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
	)

	for range 16 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			require.NoError(t, g.Acquire(context.Background()))
			defer g.Release()

			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}

			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestGate_AcquireHonorsContext(t *testing.T) {
	g := NewGate()
	require.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, g.Acquire(ctx), context.DeadlineExceeded)

	g.Release()
	assert.True(t, g.TryAcquire())
}

func TestGate_ReleaseUnheldPanics(t *testing.T) {
	assert.Panics(t, func() { NewGate().Release() })
}

package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLinkMonitor_MeteredForcesConstrained(t *testing.T) {
	t.Parallel()

	m := NewLinkMonitor(0, nil)
	assert.False(t, m.Constrained())

	m.SetMetered(true)
	assert.True(t, m.Constrained())

	m.Observe(time.Millisecond)
	assert.True(t, m.Constrained())

	m.SetMetered(false)
	assert.False(t, m.Constrained())
}

func TestLinkMonitor_LatencyHeuristic(t *testing.T) {
	t.Parallel()

	m := NewLinkMonitor(time.Second, nil)

	m.Observe(200 * time.Millisecond)
	assert.False(t, m.Constrained())

	// One slow sample moves the average only part of the way.
	m.Observe(3 * time.Second)
	assert.False(t, m.Constrained())

	for range 5 {
		m.Observe(3 * time.Second)
	}

	assert.True(t, m.Constrained())

	for range 10 {
		m.Observe(100 * time.Millisecond)
	}

	assert.False(t, m.Constrained())
}

func TestLinkMonitor_ZeroThresholdIgnoresLatency(t *testing.T) {
	t.Parallel()

	m := NewLinkMonitor(0, nil)

	for range 10 {
		m.Observe(time.Minute)
	}

	assert.False(t, m.Constrained())
}

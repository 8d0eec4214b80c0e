package upload

import (
	"log/slog"
	"sync"
	"time"
)

// ewmaWeight is the smoothing factor applied to each new latency sample.
const ewmaWeight = 0.3

// LinkMonitor is a Connectivity observer. The link is constrained when it
// has been forced so (metered network reported by the host) or when the
// smoothed POST round-trip time exceeds the threshold.
type LinkMonitor struct {
	threshold time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	forced      bool
	ewma        time.Duration
	constrained bool
}

// NewLinkMonitor creates a monitor. A zero threshold disables the latency
// heuristic.
func NewLinkMonitor(threshold time.Duration, logger *slog.Logger) *LinkMonitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LinkMonitor{threshold: threshold, logger: logger}
}

// SetMetered marks the link as expensive regardless of latency.
func (m *LinkMonitor) SetMetered(metered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.forced = metered
	m.update()
}

// Observe folds one successful request's round-trip time into the average.
func (m *LinkMonitor) Observe(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ewma == 0 {
		m.ewma = d
	} else {
		m.ewma = time.Duration(ewmaWeight*float64(d) + (1-ewmaWeight)*float64(m.ewma))
	}

	m.update()
}

// Constrained reports the current link quality.
func (m *LinkMonitor) Constrained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.constrained
}

func (m *LinkMonitor) update() {
	next := m.forced || (m.threshold > 0 && m.ewma > m.threshold)
	if next == m.constrained {
		return
	}

	m.constrained = next
	m.logger.Info("link quality changed",
		slog.Bool("constrained", next),
		slog.Duration("latency_ewma", m.ewma),
	)
}

package ingest

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const healthPath = "/health"

// Probe issues GET /health once per client lifetime as a cold-start warm-up
// of DNS, TLS and the server side. Failures are logged and otherwise ignored.
func (c *Client) Probe(ctx context.Context) {
	c.probeOnce.Do(func() {
		resp, err := c.doOnce(ctx, http.MethodGet, c.baseURL+healthPath, nil, nil)
		if err != nil {
			c.logger.Warn("health probe failed", slog.String("error", err.Error()))
			return
		}

		resp.Body.Close()

		c.logger.Info("health probe completed", slog.Int("status", resp.StatusCode))
	})
}

// HealthGate holds the latest known backend health. It starts healthy: an
// absent signal must not block synchronization.
type HealthGate struct {
	unhealthy atomic.Bool
	logger    *slog.Logger
}

// NewHealthGate returns a gate in the healthy state.
func NewHealthGate(logger *slog.Logger) *HealthGate {
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthGate{logger: logger}
}

// Healthy reports whether the backend was last known to be available.
func (g *HealthGate) Healthy() bool {
	return !g.unhealthy.Load()
}

// Set records a new health signal, logging transitions.
func (g *HealthGate) Set(healthy bool) {
	was := !g.unhealthy.Swap(!healthy)
	if was == healthy {
		return
	}

	if healthy {
		g.logger.Info("backend reported healthy")
	} else {
		g.logger.Warn("backend reported unavailable, pausing uploads and refreshes")
	}
}

package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	statusStreamPath     = "/v1/status/stream"
	initialWatchBackoff  = 2 * time.Second
	maxWatchBackoff      = 5 * time.Minute
	watchBackoffMultiple = 2
)

// statusMessage is one frame on the status stream.
type statusMessage struct {
	Status string `json:"status"`
}

// healthy maps a status string to the gate value. Degraded still accepts
// writes, so only an explicit outage closes the gate.
func (m statusMessage) healthy() bool {
	switch strings.ToLower(m.Status) {
	case "down", "unavailable", "maintenance":
		return false
	default:
		return true
	}
}

// HealthWatcher keeps a websocket open to the backend status stream and
// feeds every message into a HealthGate. A dropped stream leaves the gate
// at its last value and reconnects with exponential backoff.
type HealthWatcher struct {
	url        string
	httpClient *http.Client
	token      TokenSource
	gate       *HealthGate
	logger     *slog.Logger
	sleepFunc  func(ctx context.Context, d time.Duration) error
}

// NewHealthWatcher builds a watcher for the client's status stream.
func (c *Client) NewHealthWatcher(gate *HealthGate) *HealthWatcher {
	u := c.baseURL + statusStreamPath

	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return &HealthWatcher{
		url:        u,
		httpClient: c.httpClient,
		token:      c.token,
		gate:       gate,
		logger:     c.logger,
		sleepFunc:  timeSleep,
	}
}

// Run blocks until ctx is canceled, returning nil.
func (w *HealthWatcher) Run(ctx context.Context) error {
	backoff := initialWatchBackoff

	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		w.logger.Warn("status stream disconnected",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff),
		)

		if sleepErr := w.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff *= watchBackoffMultiple
		if backoff > maxWatchBackoff {
			backoff = maxWatchBackoff
		}
	}
}

// session runs one websocket connection until it fails.
func (w *HealthWatcher) session(ctx context.Context) error {
	header := http.Header{}

	if w.token != nil {
		tok, err := w.token.Token()
		if err != nil {
			return err
		}

		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPClient: w.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	w.logger.Debug("status stream connected", slog.String("url", w.url))

	for {
		var msg statusMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errors.New("server closed status stream")
			}

			return err
		}

		w.gate.Set(msg.healthy())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

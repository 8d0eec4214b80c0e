package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxSnapshotBytes bounds snapshot payloads read into memory.
const maxSnapshotBytes = 8 << 20

// Mirror is the read-only static mirror of content-addressed JSON
// snapshots, consulted when the live endpoint keeps failing.
type Mirror struct {
	BaseURL string
	// Paths maps a live request path to the snapshot file that mirrors it.
	Paths map[string]string
}

// lookup returns the mirror URL for path, if one is mapped.
func (m *Mirror) lookup(path string) (string, bool) {
	if m == nil || m.BaseURL == "" {
		return "", false
	}

	file, ok := m.Paths[path]
	if !ok {
		return "", false
	}

	return m.BaseURL + "/" + file, true
}

// Snapshot is a downstream state payload.
type Snapshot struct {
	Body       []byte
	FromMirror bool
}

// Snapshot GETs a downstream state document. When the live endpoint
// exhausts its retries with a transient failure and the path is mapped in
// the static mirror, the mirrored copy is returned instead.
func (c *Client) Snapshot(ctx context.Context, path string) (Snapshot, error) {
	resp, err := c.Do(ctx, http.MethodGet, path)
	if err == nil {
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
		if readErr != nil {
			return Snapshot{}, fmt.Errorf("ingest: reading snapshot %s: %w", path, readErr)
		}

		return Snapshot{Body: body}, nil
	}

	if ctx.Err() != nil || !IsTransient(err) {
		return Snapshot{}, err
	}

	mirrorURL, ok := c.opts.Mirror.lookup(path)
	if !ok {
		return Snapshot{}, err
	}

	c.logger.Warn("live snapshot unavailable, using static mirror",
		slog.String("path", path),
		slog.String("mirror", mirrorURL),
		slog.String("error", err.Error()),
	)

	body, mirrorErr := c.fetchMirror(ctx, mirrorURL)
	if mirrorErr != nil {
		return Snapshot{}, fmt.Errorf("ingest: mirror fallback for %s failed: %w (live: %w)", path, mirrorErr, err)
	}

	return Snapshot{Body: body, FromMirror: true}, nil
}

// fetchMirror reads a static snapshot. The mirror is public, so no
// credentials are sent.
func (c *Client) fetchMirror(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, readHTTPError(resp)
	}
	defer resp.Body.Close()

	return io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
}

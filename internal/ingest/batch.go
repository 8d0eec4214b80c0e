package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/klauspost/compress/gzip"

	"github.com/tonimelisma/vitalsync/internal/record"
)

// batchPath is the ingestion endpoint, relative to a route prefix.
const batchPath = "/samples/batch"

// Route selects which endpoint path a batch is posted to.
type Route int

const (
	// RoutePrimary is the versioned endpoint.
	RoutePrimary Route = iota
	// RouteFallback is the unversioned path, tried only after the primary
	// is exhausted.
	RouteFallback
)

func (r Route) String() string {
	if r == RouteFallback {
		return "fallback"
	}

	return "primary"
}

// Ack is the server's answer to a successful batch POST.
type Ack struct {
	// Received is the number of samples the server says it stored. When
	// the server does not report a count it equals the batch size.
	Received int
	// Reported is true when the response body carried a count.
	Reported bool
}

// Accepted reports whether the server stored at least one sample. A 2xx
// with a reported zero count is a no-op, not a failure.
func (a Ack) Accepted() bool {
	return a.Received > 0
}

type batchBody struct {
	Samples []record.WireRecord `json:"samples"`
}

type batchResponse struct {
	Received *int `json:"received"`
}

// Path returns the request path for route.
func (c *Client) Path(route Route) string {
	if route == RouteFallback {
		return c.opts.FallbackPrefix + batchPath
	}

	return c.opts.PrimaryPrefix + batchPath
}

// PostBatch sends one batch in a single attempt. Errors wrap ErrNetwork for
// transport failures or carry an *HTTPError for non-2xx responses.
func (c *Client) PostBatch(
	ctx context.Context, route Route, records []record.WireRecord, compress bool,
) (Ack, error) {
	path := c.Path(route)

	body, header, err := encodeBatch(records, compress)
	if err != nil {
		return Ack{}, err
	}

	resp, err := c.doOnce(ctx, http.MethodPost, c.baseURL+path,
		c.opts.Bandwidth.WrapReader(ctx, bytes.NewReader(body)), header)
	if err != nil {
		if ctx.Err() != nil {
			return Ack{}, fmt.Errorf("ingest: posting batch canceled: %w", ctx.Err())
		}

		return Ack{}, fmt.Errorf("ingest: posting batch to %s: %w: %w", path, ErrNetwork, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Ack{}, readHTTPError(resp)
	}
	defer resp.Body.Close()

	ack := Ack{Received: len(records)}

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr == nil && len(bytes.TrimSpace(data)) > 0 {
		var br batchResponse
		if json.Unmarshal(data, &br) == nil && br.Received != nil {
			ack = Ack{Received: *br.Received, Reported: true}
		}
	}

	c.logger.Debug("batch posted",
		slog.String("path", path),
		slog.Int("records", len(records)),
		slog.Int("received", ack.Received),
		slog.Bool("gzip", compress),
	)

	return ack, nil
}

func encodeBatch(records []record.WireRecord, compress bool) ([]byte, http.Header, error) {
	if records == nil {
		records = []record.WireRecord{}
	}

	raw, err := json.Marshal(batchBody{Samples: records})
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: encoding batch: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	if !compress {
		return raw, header, nil
	}

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, nil, fmt.Errorf("ingest: compressing batch: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("ingest: compressing batch: %w", err)
	}

	header.Set("Content-Encoding", "gzip")

	return buf.Bytes(), header, nil
}

package ingest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBandwidthLimiter_ZeroIsUnlimited(t *testing.T) {
	t.Parallel()

	assert.Nil(t, NewBandwidthLimiter(0, nil))
	assert.Nil(t, NewBandwidthLimiter(-5, nil))

	var bl *BandwidthLimiter
	r := strings.NewReader("abc")
	assert.Same(t, r, bl.WrapReader(context.Background(), r))
}

func TestBandwidthLimiter_Throttles(t *testing.T) {
	t.Parallel()

	bl := NewBandwidthLimiter(1000, slog.Default())

	// Burst covers the first 2000 bytes; the next 1000 wait about a second.
	start := time.Now()
	n, err := io.Copy(io.Discard, bl.WrapReader(context.Background(), bytes.NewReader(make([]byte, 3000))))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), n)
	assert.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestBandwidthLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	bl := NewBandwidthLimiter(10, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := io.Copy(io.Discard, bl.WrapReader(ctx, bytes.NewReader(make([]byte, 100))))
	require.Error(t, err)
}

func TestPostBatch_ThrottledBodyKeepsContentLength(t *testing.T) {
	t.Parallel()

	var gotLen int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, `{"received":2}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Options{Bandwidth: NewBandwidthLimiter(1<<20, slog.Default())})

	ack, err := c.PostBatch(context.Background(), RoutePrimary, sampleRecords(2), false)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Received)
	assert.Positive(t, gotLen)
}

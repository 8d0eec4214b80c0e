// Package upload delivers WireRecords to the ingestion service in chunks.
// A failing chunk is retried with backoff, moved to the fallback route when
// the primary is exhausted, and bisected on server-side rejection so that a
// single poison record is dropped instead of the whole chunk.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tonimelisma/vitalsync/internal/ingest"
	"github.com/tonimelisma/vitalsync/internal/record"
)

// Defaults applied by NewUploader for zero Config fields.
const (
	DefaultChunkSize            = 200
	DefaultConstrainedChunkSize = 150
	DefaultWarmupSize           = 100
	DefaultWarmupExtraRetries   = 2
	DefaultMaxRetries           = 3
	DefaultBaseBackoff          = 200 * time.Millisecond
	DefaultInterChunkDelay      = 250 * time.Millisecond

	jitterFraction = 0.25
)

// Poster sends one batch in a single attempt. *ingest.Client satisfies it.
type Poster interface {
	PostBatch(ctx context.Context, route ingest.Route, records []record.WireRecord, compress bool) (ingest.Ack, error)
}

// Connectivity reports whether the network link is constrained or
// expensive. Implementations that also implement Observe receive the
// round-trip time of every successful POST.
type Connectivity interface {
	Constrained() bool
}

type latencyObserver interface {
	Observe(d time.Duration)
}

// Config tunes chunking and retry behavior.
type Config struct {
	ChunkSize            int
	ConstrainedChunkSize int
	WarmupSize           int
	WarmupExtraRetries   int
	MaxRetries           int
	BaseBackoff          time.Duration
	InterChunkDelay      time.Duration
	// Compress gzips every request body. Constrained links are always
	// compressed.
	Compress bool
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}

	if c.ConstrainedChunkSize <= 0 {
		c.ConstrainedChunkSize = DefaultConstrainedChunkSize
	}

	if c.WarmupSize <= 0 {
		c.WarmupSize = DefaultWarmupSize
	}

	if c.WarmupExtraRetries < 0 {
		c.WarmupExtraRetries = 0
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}

	if c.InterChunkDelay < 0 {
		c.InterChunkDelay = 0
	}

	return c
}

// Result summarizes one Upload call.
type Result struct {
	Accepted int // records the server acknowledged
	Ignored  int // records in 2xx responses the server reported as not stored
	Poisoned int // single records dropped after deterministic rejection
	Failed   int // records not delivered because retries were exhausted
	Chunks   int // top-level chunks sent
}

// OK reports whether at least one record was accepted. Partial success
// with poison records dropped counts as success.
func (r Result) OK() bool {
	return r.Accepted > 0
}

// Delivered reports whether the batch is settled: no record is left to
// retry, and at least one record was accepted or dropped as poison. Only a
// delivered batch lets its source position move on.
func (r Result) Delivered() bool {
	return r.Failed == 0 && (r.Accepted > 0 || r.Poisoned > 0)
}

func (r *Result) add(o Result) {
	r.Accepted += o.Accepted
	r.Ignored += o.Ignored
	r.Poisoned += o.Poisoned
	r.Failed += o.Failed
}

// errAbort stops the remaining chunks: the link is down or the credentials
// are rejected, so sending more would only burn retries.
var errAbort = errors.New("upload: aborting remaining chunks")

// Uploader chunks and delivers batches. Safe for concurrent use, though
// callers that need ordering serialize through a Gate.
type Uploader struct {
	poster Poster
	conn   Connectivity
	cfg    Config
	logger *slog.Logger

	sleepFunc  func(ctx context.Context, d time.Duration) error
	jitterFunc func() float64 // returns a value in [-1, 1)
	nowFunc    func() time.Time
}

// NewUploader creates an Uploader. conn may be nil (never constrained).
func NewUploader(poster Poster, conn Connectivity, cfg Config, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{
		poster:     poster,
		conn:       conn,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		sleepFunc:  timeSleep,
		jitterFunc: func() float64 { return rand.Float64()*2 - 1 }, //nolint:gosec // jitter does not need crypto rand
		nowFunc:    time.Now,
	}
}

// Upload delivers records using the configured chunk size and retry budget.
func (u *Uploader) Upload(ctx context.Context, records []record.WireRecord) Result {
	return u.UploadChunked(ctx, records, u.cfg.ChunkSize, u.cfg.MaxRetries)
}

// UploadChunked delivers records in chunks of at most chunkSize, retrying
// each chunk up to maxRetries times. An empty input makes no network call.
func (u *Uploader) UploadChunked(ctx context.Context, records []record.WireRecord, chunkSize, maxRetries int) Result {
	var res Result

	if len(records) == 0 {
		return res
	}

	constrained := u.conn != nil && u.conn.Constrained()
	if constrained && chunkSize > u.cfg.ConstrainedChunkSize {
		chunkSize = u.cfg.ConstrainedChunkSize
	}

	if chunkSize <= 0 {
		chunkSize = u.cfg.ChunkSize
	}

	plan := planChunks(len(records), chunkSize, u.cfg.WarmupSize)

	u.logger.Info("upload scheduled",
		slog.Int("records", len(records)),
		slog.Int("chunks", len(plan)),
		slog.Int("chunk_size", chunkSize),
		slog.Bool("constrained", constrained),
	)

	compress := u.cfg.Compress || constrained

	for i, sp := range plan {
		if i > 0 {
			if err := u.sleepFunc(ctx, u.cfg.InterChunkDelay); err != nil {
				res.Failed += remaining(plan[i:])
				break
			}
		}

		retries := maxRetries
		if i == 0 && len(plan) > 1 {
			retries += u.cfg.WarmupExtraRetries
		}

		chunk := records[sp.lo:sp.hi]
		out, err := u.sendChunk(ctx, chunk, retries, compress)
		res.add(out)
		res.Chunks++

		if err != nil {
			res.Failed += remaining(plan[i+1:])

			u.logger.Warn("upload aborted",
				slog.Int("chunk", i),
				slog.Int("not_sent", remaining(plan[i+1:])),
				slog.String("error", err.Error()),
			)

			break
		}
	}

	level := slog.LevelInfo
	if !res.OK() {
		level = slog.LevelWarn
	}

	u.logger.Log(ctx, level, "upload finished",
		slog.Int("records", len(records)),
		slog.Int("accepted", res.Accepted),
		slog.Int("ignored", res.Ignored),
		slog.Int("poisoned", res.Poisoned),
		slog.Int("failed", res.Failed),
	)

	return res
}

// span is a half-open index range into the record slice.
type span struct{ lo, hi int }

// planChunks splits n records into a warm-up chunk followed by regular
// chunks. A batch that fits in one chunk is sent as-is.
func planChunks(n, chunkSize, warmup int) []span {
	if n <= chunkSize {
		return []span{{0, n}}
	}

	if warmup > chunkSize {
		warmup = chunkSize
	}

	plan := []span{{0, warmup}}
	for lo := warmup; lo < n; lo += chunkSize {
		plan = append(plan, span{lo, min(lo+chunkSize, n)})
	}

	return plan
}

func remaining(plan []span) int {
	n := 0
	for _, s := range plan {
		n += s.hi - s.lo
	}

	return n
}

// sendChunk delivers one chunk, bisecting on deterministic rejection. A
// non-nil error means the caller should stop sending further chunks.
func (u *Uploader) sendChunk(ctx context.Context, chunk []record.WireRecord, maxRetries int, compress bool) (Result, error) {
	ack, err := u.postWithRetry(ctx, chunk, maxRetries, compress)
	if err == nil {
		return ackResult(ack, len(chunk)), nil
	}

	if !errors.Is(err, errReject) {
		return Result{Failed: len(chunk)}, err
	}

	if len(chunk) == 1 {
		u.logger.Warn("dropping poison record",
			slog.String("type", string(chunk[0].Type())),
			slog.Time("start", chunk[0].Start()),
			slog.String("record", chunk[0].String()),
			slog.String("error", err.Error()),
		)

		return Result{Poisoned: 1}, nil
	}

	mid := len(chunk) / 2

	u.logger.Info("bisecting rejected chunk",
		slog.Int("chunk_size", len(chunk)),
		slog.Int("left", mid),
		slog.Int("right", len(chunk)-mid),
	)

	var res Result

	left, err := u.sendChunk(ctx, chunk[:mid], maxRetries, compress)
	res.add(left)

	if err != nil {
		res.Failed += len(chunk) - mid
		return res, err
	}

	right, err := u.sendChunk(ctx, chunk[mid:], maxRetries, compress)
	res.add(right)

	return res, err
}

func ackResult(ack ingest.Ack, n int) Result {
	accepted := min(ack.Received, n)

	return Result{Accepted: accepted, Ignored: n - accepted}
}

// errReject marks a chunk the server deterministically refuses: it should
// be bisected, not retried.
var errReject = errors.New("upload: chunk rejected")

// postWithRetry sends chunk on the primary route, then on the fallback
// route once the primary is exhausted by transient failures.
func (u *Uploader) postWithRetry(ctx context.Context, chunk []record.WireRecord, maxRetries int, compress bool) (ingest.Ack, error) {
	var lastErr error

	for _, route := range []ingest.Route{ingest.RoutePrimary, ingest.RouteFallback} {
		ack, err := u.postRoute(ctx, route, chunk, maxRetries, compress)
		if err == nil {
			return ack, nil
		}

		lastErr = err

		if errors.Is(err, errReject) || errors.Is(err, errAbort) || ctx.Err() != nil {
			return ingest.Ack{}, err
		}

		if route == ingest.RoutePrimary {
			u.logger.Warn("primary route exhausted, trying fallback",
				slog.Int("chunk_size", len(chunk)),
				slog.String("error", err.Error()),
			)
		}
	}

	return ingest.Ack{}, fmt.Errorf("%w: %w", errAbort, lastErr)
}

// postRoute runs the per-route retry loop. 5xx responses get exactly one
// immediate retry before the chunk is reported as rejected; network errors
// and throttling back off exponentially with jitter.
func (u *Uploader) postRoute(
	ctx context.Context, route ingest.Route, chunk []record.WireRecord, maxRetries int, compress bool,
) (ingest.Ack, error) {
	serverErrors := 0

	for attempt := 0; ; attempt++ {
		// Cancellation is cooperative: it is checked between requests, and
		// a request already on the wire is allowed to finish.
		if ctx.Err() != nil {
			return ingest.Ack{}, fmt.Errorf("%w: %w", errAbort, ctx.Err())
		}

		start := u.nowFunc()
		ack, err := u.poster.PostBatch(context.WithoutCancel(ctx), route, chunk, compress)

		if err == nil {
			if obs, ok := u.conn.(latencyObserver); ok {
				obs.Observe(u.nowFunc().Sub(start))
			}

			u.logger.Debug("chunk uploaded",
				slog.String("route", route.String()),
				slog.Int("chunk_size", len(chunk)),
				slog.Int("received", ack.Received),
				slog.Int("attempt", attempt+1),
			)

			return ack, nil
		}

		switch {
		case errors.Is(err, ingest.ErrUnauthorized), errors.Is(err, ingest.ErrForbidden):
			return ingest.Ack{}, fmt.Errorf("%w: %w", errAbort, err)
		case errors.Is(err, ingest.ErrNotFound):
			// Route missing on this deployment; let the caller move on.
			return ingest.Ack{}, err
		case errors.Is(err, ingest.ErrBadRequest), errors.Is(err, ingest.ErrTooLarge):
			return ingest.Ack{}, fmt.Errorf("%w: %w", errReject, err)
		case ingest.IsServerError(err):
			serverErrors++
			if serverErrors > 1 {
				return ingest.Ack{}, fmt.Errorf("%w: %w", errReject, err)
			}

			u.logger.Warn("server error, retrying chunk immediately",
				slog.String("route", route.String()),
				slog.Int("chunk_size", len(chunk)),
				slog.Int("attempt", attempt+1),
			)

			continue
		}

		if attempt >= maxRetries {
			u.logger.Warn("chunk retries exhausted",
				slog.String("route", route.String()),
				slog.Int("chunk_size", len(chunk)),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)

			return ingest.Ack{}, err
		}

		backoff := u.backoff(attempt)

		u.logger.Warn("retrying chunk after error",
			slog.String("route", route.String()),
			slog.Int("chunk_size", len(chunk)),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := u.sleepFunc(ctx, backoff); sleepErr != nil {
			return ingest.Ack{}, fmt.Errorf("%w: %w", errAbort, sleepErr)
		}
	}
}

// backoff returns base * 2^attempt with ±25% jitter.
func (u *Uploader) backoff(attempt int) time.Duration {
	d := float64(u.cfg.BaseBackoff) * float64(int64(1)<<min(attempt, 16))
	d += d * jitterFraction * u.jitterFunc()

	return time.Duration(d)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

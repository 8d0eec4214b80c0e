package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tonimelisma/vitalsync/internal/config"
	"github.com/tonimelisma/vitalsync/internal/ingest"
	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/secret"
	"github.com/tonimelisma/vitalsync/internal/source"
	"github.com/tonimelisma/vitalsync/internal/state"
	"github.com/tonimelisma/vitalsync/internal/telemetry"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

const dataDirPermissions = 0o700

// errNotLoggedIn is returned by network commands when no token is stored.
var errNotLoggedIn = errors.New("not logged in, run 'vitalsync login' first")

// Session is the fully wired sync stack for one invocation. Close releases
// the databases; call it after every goroutine using the session has
// stopped.
type Session struct {
	Cfg       *config.Config
	State     *state.Store
	Source    *source.QuantityStore
	Client    *ingest.Client
	Health    *ingest.HealthGate
	Link      *upload.LinkMonitor
	Uploader  *upload.Uploader
	Mapper    record.Mapper
	Debouncer *telemetry.RefreshDebouncer
	Snapshots *telemetry.SnapshotRefresher
	Sync      *telemetry.Synchronizer
	Engine    *telemetry.Engine
}

// openState opens the state database alone, for commands that never talk to
// the network.
func openState(ctx context.Context, cc *CLIContext) (*state.Store, error) {
	path := cc.Cfg.StateDBPath()
	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := state.Open(ctx, path, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	return st, nil
}

// newMapper stamps records with the configured identity. device_os falls
// back to the running platform.
func newMapper(cfg *config.Config) record.Mapper {
	deviceOS := cfg.Ingest.DeviceOS
	if deviceOS == "" {
		deviceOS = runtime.GOOS
	}

	return record.Mapper{
		UserID:   cfg.Ingest.UserID,
		DeviceOS: deviceOS,
		Source:   cfg.Ingest.Source,
	}
}

// newSession wires state, secrets, the ingestion client, the uploader and
// the telemetry engine from the resolved configuration. ctx scopes the
// refresh debouncer and token refreshes.
func newSession(ctx context.Context, cc *CLIContext) (*Session, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	if err := cfg.RequireIngest(); err != nil {
		return nil, err
	}

	streams := cfg.Sync.StreamTypes()

	tokens, err := ingest.NewTokenSource(ctx, secret.NewFileStore(cfg.SecretsPath()),
		cfg.Ingest.TokenURL, cfg.Ingest.ClientID, logger)
	if errors.Is(err, ingest.ErrNoToken) {
		return nil, errNotLoggedIn
	}

	if err != nil {
		return nil, err
	}

	st, err := openState(ctx, cc)
	if err != nil {
		return nil, err
	}

	src, err := source.OpenQuantityStore(ctx, cfg.SourceDBPath(), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening source store: %w", err)
	}

	opts := ingest.Options{
		UserAgent:      cfg.Ingest.UserAgent,
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		BaseBackoff:    cfg.Upload.BaseBackoffDuration(),
		PrimaryPrefix:  cfg.Ingest.PrimaryPrefix,
		FallbackPrefix: cfg.Ingest.FallbackPrefix,
		Bandwidth:      ingest.NewBandwidthLimiter(cfg.Upload.BandwidthBytesPerSec(), logger),
	}

	if cfg.Snapshot.MirrorURL != "" {
		opts.Mirror = &ingest.Mirror{BaseURL: cfg.Snapshot.MirrorURL, Paths: cfg.Snapshot.Mirror}
	}

	client := ingest.NewClient(cfg.Ingest.BaseURL, defaultHTTPClient(cfg), tokens, logger, opts)
	health := ingest.NewHealthGate(logger)

	link := upload.NewLinkMonitor(cfg.Upload.ConstrainedRTTDuration(), logger)
	link.SetMetered(cfg.Upload.Metered)

	uploader := upload.NewUploader(client, link, upload.Config{
		ChunkSize:            cfg.Upload.ChunkSize,
		ConstrainedChunkSize: cfg.Upload.ConstrainedChunkSize,
		WarmupSize:           cfg.Upload.WarmupSize,
		WarmupExtraRetries:   cfg.Upload.WarmupExtraRetries,
		MaxRetries:           cfg.Upload.MaxRetries,
		BaseBackoff:          cfg.Upload.BaseBackoffDuration(),
		InterChunkDelay:      cfg.Upload.InterChunkDelayDuration(),
		Compress:             cfg.Ingest.Gzip,
	}, logger)

	mapper := newMapper(cfg)
	debouncer := telemetry.NewRefreshDebouncer(ctx, cfg.Sync.RefreshQuietPeriodDuration(), health, logger)
	snapshots := telemetry.NewSnapshotRefresher(client, st, cfg.Snapshot.CurrentPath, debouncer, logger)
	syncer := telemetry.NewSynchronizer(src, st, mapper, uploader, snapshots, cfg.Sync.PageSize, logger)

	return &Session{
		Cfg:       cfg,
		State:     st,
		Source:    src,
		Client:    client,
		Health:    health,
		Link:      link,
		Uploader:  uploader,
		Mapper:    mapper,
		Debouncer: debouncer,
		Snapshots: snapshots,
		Sync:      syncer,
		Engine:    telemetry.NewEngine(syncer, streams, health, logger),
	}, nil
}

// Close waits for pending snapshot refreshes and closes both databases.
func (s *Session) Close() error {
	s.Debouncer.Wait()

	return errors.Join(s.Source.Close(), s.State.Close())
}

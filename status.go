package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/ingest"
	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/secret"
	"github.com/tonimelisma/vitalsync/internal/source"
	"github.com/tonimelisma/vitalsync/internal/state"
	"github.com/tonimelisma/vitalsync/internal/telemetry"
)

// Backend state constants for status reporting.
const (
	backendUnchecked   = "unchecked"
	backendHealthy     = "healthy"
	backendUnreachable = "unreachable"
	backendUnset       = "not configured"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cursors, pending records, queued events and daemon state",
		Long: `Display local sync state: per-stream cursors and how many records wait
behind them, the offline event queue, the cached downstream snapshot, the
pause marker and whether the daemon is running.

Use --check to also probe the ingestion service.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().Bool("check", false, "probe the ingestion service health endpoint")

	return cmd
}

// pendingCounter is satisfied by *source.QuantityStore.
type pendingCounter interface {
	Pending(ctx context.Context, typ record.Type, cursor []byte) (int, error)
}

type statusReport struct {
	DataDir      string         `json:"data_dir"`
	ConfigPath   string         `json:"config_path,omitempty"`
	LoggedIn     bool           `json:"logged_in"`
	Daemon       statusDaemon   `json:"daemon"`
	Paused       bool           `json:"paused"`
	PausedUntil  *time.Time     `json:"paused_until,omitempty"`
	Backend      string         `json:"backend"`
	BackendError string         `json:"backend_error,omitempty"`
	Streams      []statusStream `json:"streams"`
	QueuedEvents int            `json:"queued_events"`
	Snapshot     statusSnapshot `json:"snapshot"`
}

type statusDaemon struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type statusStream struct {
	Stream    string     `json:"stream"`
	HasCursor bool       `json:"has_cursor"`
	UpdatedAt *time.Time `json:"cursor_updated_at,omitempty"`
	Pending   int        `json:"pending"`
}

type statusSnapshot struct {
	Path     string     `json:"path"`
	CachedAt *time.Time `json:"cached_at,omitempty"`
	Bytes    int        `json:"bytes"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	check, err := cmd.Flags().GetBool("check")
	if err != nil {
		return err
	}

	st, err := openState(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	src, err := source.OpenQuantityStore(ctx, cc.Cfg.SourceDBPath(), cc.Logger)
	if err != nil {
		return fmt.Errorf("opening source store: %w", err)
	}
	defer src.Close()

	report, err := buildStatusReport(ctx, cc, st, src, time.Now())
	if err != nil {
		return err
	}

	if check {
		report.Backend, report.BackendError = checkBackend(ctx, cc)
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), report)
	}

	printStatusText(cmd.OutOrStdout(), report, time.Now())

	return nil
}

// buildStatusReport gathers everything status shows except the backend
// check.
func buildStatusReport(
	ctx context.Context, cc *CLIContext, st *state.Store, src pendingCounter, now time.Time,
) (statusReport, error) {
	cfg := cc.Cfg

	report := statusReport{
		DataDir:    cfg.Storage.DataDir,
		ConfigPath: cfg.Path(),
		Backend:    backendUnchecked,
	}

	if cfg.Ingest.BaseURL == "" {
		report.Backend = backendUnset
	}

	tok, err := secret.LoadToken(secret.NewFileStore(cfg.SecretsPath()))
	if err != nil {
		cc.Logger.Warn("reading stored token", slog.String("error", err.Error()))
	}

	report.LoggedIn = tok != nil

	if pid, ok := runningDaemon(cfg.PIDPath()); ok {
		report.Daemon = statusDaemon{Running: true, PID: pid}
	}

	paused, until, err := telemetry.PauseState(ctx, st, now)
	if err != nil {
		return report, err
	}

	report.Paused = paused
	if paused && !until.IsZero() {
		report.PausedUntil = &until
	}

	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return report, err
	}

	byKey := make(map[string]state.CursorInfo, len(cursors))
	for _, c := range cursors {
		byKey[c.StreamKey] = c
	}

	for _, typ := range cfg.Sync.StreamTypes() {
		s := statusStream{Stream: string(typ)}

		info, ok := byKey[telemetry.StreamKey(typ)]
		if ok {
			s.HasCursor = true
			at := info.UpdatedAt
			s.UpdatedAt = &at
		}

		pending, err := src.Pending(ctx, typ, info.Position)
		if errors.Is(err, source.ErrCorruptCursor) {
			// The next sweep clears the cursor and backfills.
			pending, err = src.Pending(ctx, typ, nil)
		}

		if err != nil {
			return report, fmt.Errorf("counting pending %s records: %w", typ, err)
		}

		s.Pending = pending
		report.Streams = append(report.Streams, s)
	}

	q, err := telemetry.LoadEventQueue(ctx, st, cc.Logger)
	if err != nil {
		return report, err
	}

	report.QueuedEvents = q.Count()

	body, cachedAt, err := telemetry.CachedSnapshot(ctx, st, cfg.Snapshot.CurrentPath)
	if err != nil {
		return report, err
	}

	report.Snapshot = statusSnapshot{Path: cfg.Snapshot.CurrentPath, Bytes: len(body)}
	if !cachedAt.IsZero() {
		report.Snapshot.CachedAt = &cachedAt
	}

	return report, nil
}

// checkBackend issues one GET /health without credentials.
func checkBackend(ctx context.Context, cc *CLIContext) (string, string) {
	if cc.Cfg.Ingest.BaseURL == "" {
		return backendUnset, ""
	}

	ctx, cancel := context.WithTimeout(ctx, cc.Cfg.Ingest.TimeoutDuration())
	defer cancel()

	client := ingest.NewClient(cc.Cfg.Ingest.BaseURL, defaultHTTPClient(cc.Cfg), nil, cc.Logger,
		ingest.Options{UserAgent: cc.Cfg.Ingest.UserAgent, MaxAttempts: 1})

	resp, err := client.Do(ctx, http.MethodGet, "/health")
	if err != nil {
		return backendUnreachable, err.Error()
	}

	resp.Body.Close()

	return backendHealthy, ""
}

func printStatusText(w io.Writer, r statusReport, now time.Time) {
	daemon := "not running"
	if r.Daemon.Running {
		daemon = fmt.Sprintf("running (PID %d)", r.Daemon.PID)
	}

	syncing := "active"
	if r.Paused {
		syncing = "paused"
		if r.PausedUntil != nil {
			syncing = "paused until " + formatTime(*r.PausedUntil)
		}
	}

	login := "no (run 'vitalsync login')"
	if r.LoggedIn {
		login = "yes"
	}

	backend := r.Backend
	if r.BackendError != "" {
		backend += " (" + r.BackendError + ")"
	}

	fmt.Fprintf(w, "Data dir:  %s\n", r.DataDir)
	fmt.Fprintf(w, "Logged in: %s\n", login)
	fmt.Fprintf(w, "Daemon:    %s\n", daemon)
	fmt.Fprintf(w, "Syncing:   %s\n", syncing)
	fmt.Fprintf(w, "Backend:   %s\n", backend)
	fmt.Fprintf(w, "Events:    %d queued\n", r.QueuedEvents)

	snap := "none cached"
	if r.Snapshot.CachedAt != nil {
		snap = fmt.Sprintf("%d bytes, %s", r.Snapshot.Bytes, formatAge(*r.Snapshot.CachedAt, now))
	}

	fmt.Fprintf(w, "Snapshot:  %s\n\n", snap)

	rows := make([][]string, 0, len(r.Streams))
	for _, s := range r.Streams {
		updated := "never (full backfill)"
		if s.UpdatedAt != nil {
			updated = formatAge(*s.UpdatedAt, now)
		}

		rows = append(rows, []string{s.Stream, strconv.Itoa(s.Pending), updated})
	}

	printTable(w, []string{"STREAM", "PENDING", "CURSOR UPDATED"}, rows)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/telemetry"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload new records once and exit",
		Long: `Run one sweep of every configured stream: read records past each stream's
cursor, validate and map them, upload them in adaptive chunks and advance the
cursor for every stream whose upload was accepted.

Configured streams are swept in parallel; --stream sweeps only the named
streams, one after another.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().StringSlice("stream", nil, "stream type to sweep (repeatable; default: all configured)")

	return cmd
}

// syncReport is the per-stream outcome printed by sync.
type syncReport struct {
	Stream    string `json:"stream"`
	Skipped   bool   `json:"skipped,omitempty"`
	Restarted bool   `json:"restarted,omitempty"`
	Pages     int    `json:"pages"`
	Fetched   int    `json:"fetched"`
	Mapped    int    `json:"mapped"`
	Dropped   int    `json:"dropped"`
	Accepted  int    `json:"accepted"`
	Ignored   int    `json:"ignored"`
	Poisoned  int    `json:"poisoned"`
	Failed    int    `json:"failed"`
	Advanced  bool   `json:"cursor_advanced"`
}

func newSyncReport(r telemetry.SweepResult) syncReport {
	return syncReport{
		Stream:    string(r.Stream),
		Skipped:   r.Skipped,
		Restarted: r.Restarted,
		Pages:     r.Pages,
		Fetched:   r.Fetched,
		Mapped:    r.Mapped,
		Dropped:   r.Dropped,
		Accepted:  r.Upload.Accepted,
		Ignored:   r.Upload.Ignored,
		Poisoned:  r.Upload.Poisoned,
		Failed:    r.Upload.Failed,
		Advanced:  r.Advanced,
	}
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	names, err := cmd.Flags().GetStringSlice("stream")
	if err != nil {
		return err
	}

	streams, err := parseStreams(names)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(shutdownContext(cmd.Context(), cc.Logger), commandTimeout)
	defer cancel()

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Client.Probe(ctx)

	results, syncErr := sweep(ctx, sess, streams)

	reports := make([]syncReport, 0, len(results))
	for _, r := range results {
		reports = append(reports, newSyncReport(r))
	}

	if cc.Flags.JSON {
		if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
	} else {
		printSyncTable(cmd.OutOrStdout(), reports)
	}

	if errors.Is(syncErr, telemetry.ErrBackendUnhealthy) {
		return fmt.Errorf("backend reported unhealthy, nothing was uploaded: %w", syncErr)
	}

	return syncErr
}

// sweep runs the engine over every configured stream, or the given streams
// one at a time.
func sweep(ctx context.Context, sess *Session, streams []record.Type) ([]telemetry.SweepResult, error) {
	if len(streams) == 0 {
		return sess.Engine.SyncAll(ctx)
	}

	results := make([]telemetry.SweepResult, 0, len(streams))

	var errs []error

	for _, typ := range streams {
		r, err := sess.Sync.Sync(ctx, typ)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", typ, err))
		}

		results = append(results, r)
	}

	return results, errors.Join(errs...)
}

// parseStreams turns --stream values into quantity stream types.
func parseStreams(names []string) ([]record.Type, error) {
	out := make([]record.Type, 0, len(names))

	for _, name := range names {
		typ, err := record.ParseType(name)
		if err != nil {
			return nil, err
		}

		if typ == record.TypeECGWaveform || typ == record.TypeUserEvent {
			return nil, fmt.Errorf("%q is not a quantity stream", name)
		}

		out = append(out, typ)
	}

	return out, nil
}

func printSyncTable(w io.Writer, reports []syncReport) {
	rows := make([][]string, 0, len(reports))

	for _, r := range reports {
		cursor := "kept"

		switch {
		case r.Skipped:
			cursor = "busy"
		case r.Advanced && r.Restarted:
			cursor = "reset+advanced"
		case r.Advanced:
			cursor = "advanced"
		}

		rows = append(rows, []string{
			r.Stream,
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Mapped),
			strconv.Itoa(r.Dropped),
			strconv.Itoa(r.Accepted),
			strconv.Itoa(r.Poisoned),
			strconv.Itoa(r.Failed),
			cursor,
		})
	}

	printTable(w, []string{"STREAM", "FETCHED", "MAPPED", "DROPPED", "ACCEPTED", "POISONED", "FAILED", "CURSOR"}, rows)
}

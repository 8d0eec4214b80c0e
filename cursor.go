package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/telemetry"
)

func newCursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect and reset stream cursors",
	}

	cmd.AddCommand(newCursorResetCmd())

	return cmd
}

func newCursorResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset [stream...]",
		Short: "Forget stream positions so the next sweep backfills",
		Long: `Delete the cursor of each named stream, or of every stream with --all. The
next sweep re-reads the stream from the beginning; the server deduplicates
records it already stored.

Examples:
  vitalsync cursor reset heart_rate spo2
  vitalsync cursor reset --all`,
		RunE: runCursorReset,
	}

	cmd.Flags().Bool("all", false, "reset every stream")

	return cmd
}

func runCursorReset(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}

	if all == (len(args) > 0) {
		return errors.New("name one or more streams, or pass --all")
	}

	var streams []record.Type
	if !all {
		streams, err = parseStreams(args)
		if err != nil {
			return err
		}
	}

	st, err := openState(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	var keys []string

	if all {
		cursors, err := st.ListCursors(ctx)
		if err != nil {
			return err
		}

		for _, c := range cursors {
			keys = append(keys, c.StreamKey)
		}
	} else {
		for _, typ := range streams {
			keys = append(keys, telemetry.StreamKey(typ))
		}
	}

	if err := st.ClearCursors(ctx, keys); err != nil {
		return fmt.Errorf("resetting cursors: %w", err)
	}

	cc.Statusf("Reset %d cursor(s); the next sweep backfills\n", len(keys))

	notifyDaemon(cc)

	return nil
}

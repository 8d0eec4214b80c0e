package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/telemetry"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume scheduled sweeps",
		Long: `Clear a pause set by 'vitalsync pause'. If the daemon is running, it
receives a SIGHUP and sweeps immediately.`,
		Args: cobra.NoArgs,
		RunE: runResume,
	}
}

func runResume(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	st, err := openState(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer st.Close()

	paused, _, err := telemetry.PauseState(cmd.Context(), st, time.Now())
	if err != nil {
		return err
	}

	if !paused {
		cc.Statusf("Syncing is not paused\n")
	}

	// Clear expired or unreadable markers too.
	if err := telemetry.Resume(cmd.Context(), st); err != nil {
		return err
	}

	if paused {
		cc.Statusf("Syncing resumed\n")
		notifyDaemon(cc)
	}

	return nil
}

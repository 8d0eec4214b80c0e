package main

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/telemetry"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [duration]",
		Short: "Pause scheduled sweeps",
		Long: `Pause the daemon's scheduled sweeps and event flushes. An optional duration
(e.g., "2h", "30m", "1d") resumes automatically after the interval; without
one, syncing stays paused until 'vitalsync resume'. A live sensor session is
not affected.

If the daemon is running, it receives a SIGHUP to pick up the change.

Examples:
  vitalsync pause
  vitalsync pause 2h
  vitalsync pause 1d`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	var until time.Time

	if len(args) > 0 {
		d, err := parseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}

		until = time.Now().Add(d).Truncate(time.Second)
	}

	st, err := openState(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := telemetry.Pause(cmd.Context(), st, until); err != nil {
		return err
	}

	if until.IsZero() {
		cc.Statusf("Syncing paused\n")
	} else {
		cc.Statusf("Syncing paused until %s\n", until.Format(time.RFC3339))
	}

	notifyDaemon(cc)

	return nil
}

const hoursPerDay = 24

// durationPattern matches durations like "30m", "2h", "1d", "1h30m".
var (
	durationPattern = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)
	durationPart    = regexp.MustCompile(`(\d+)([dhms])`)
)

// parseDuration parses a human-friendly duration string. Supports Go duration
// syntax (e.g., "2h30m") plus a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, errors.New("duration must be positive")
		}

		return d, nil
	}

	if s == "" || !durationPattern.MatchString(s) {
		return 0, errors.New("expected format like 30m, 2h, 1d, or 1d12h")
	}

	var total time.Duration

	for _, match := range durationPart.FindAllStringSubmatch(s, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", match[1], err)
		}

		switch match[2] {
		case "d":
			total += time.Duration(n) * hoursPerDay * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		case "s":
			total += time.Duration(n) * time.Second
		}
	}

	if total <= 0 {
		return 0, errors.New("duration must be positive")
	}

	return total, nil
}

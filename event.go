package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/telemetry"
	"github.com/tonimelisma/vitalsync/internal/upload"
)

// maxSeverity bounds --severity.
const maxSeverity = 10

func newEventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Manage the offline event queue",
		Long: `Record user events (symptoms, medication, activities) while offline and
deliver them later. Queued events survive restarts; the daemon flushes them
after every sweep.`,
	}

	cmd.AddCommand(newEventAddCmd())
	cmd.AddCommand(newEventListCmd())
	cmd.AddCommand(newEventRemoveCmd())
	cmd.AddCommand(newEventFlushCmd())
	cmd.AddCommand(newEventClearCmd())

	return cmd
}

func newEventAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <code>",
		Short: "Queue an event",
		Long: `Queue an event with the given code. Codes are normalized: upper-cased,
with spaces and dashes turned into underscores ("chest-pain" → CHEST_PAIN).

Examples:
  vitalsync event add dizzy --severity 3 --note "after standing up"
  vitalsync event add medication --tag morning --at 2024-06-01T08:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: runEventAdd,
	}

	cmd.Flags().Int("severity", -1, fmt.Sprintf("severity 0-%d (omit for none)", maxSeverity))
	cmd.Flags().String("note", "", "free text")
	cmd.Flags().StringSlice("tag", nil, "tag (repeatable)")
	cmd.Flags().String("at", "", "event time, RFC 3339 (default: now)")

	return cmd
}

func runEventAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	ev, err := eventFromFlags(cmd, args[0], time.Now())
	if err != nil {
		return err
	}

	return withQueue(cmd.Context(), cc, func(ctx context.Context, q *telemetry.EventQueue) error {
		if err := q.Enqueue(ctx, ev); err != nil {
			return err
		}

		cc.Statusf("Queued %s (%s), %d event(s) pending\n", ev.Code, ev.ID, q.Count())

		return nil
	})
}

// eventFromFlags builds the event described by add's flags.
func eventFromFlags(cmd *cobra.Command, code string, now time.Time) (record.QueuedEvent, error) {
	if strings.TrimSpace(code) == "" {
		return record.QueuedEvent{}, fmt.Errorf("event code must not be empty")
	}

	sev, err := cmd.Flags().GetInt("severity")
	if err != nil {
		return record.QueuedEvent{}, err
	}

	var severity *int

	if sev >= 0 {
		if sev > maxSeverity {
			return record.QueuedEvent{}, fmt.Errorf("--severity must be between 0 and %d, got %d", maxSeverity, sev)
		}

		severity = &sev
	}

	note, err := cmd.Flags().GetString("note")
	if err != nil {
		return record.QueuedEvent{}, err
	}

	tags, err := cmd.Flags().GetStringSlice("tag")
	if err != nil {
		return record.QueuedEvent{}, err
	}

	at, err := cmd.Flags().GetString("at")
	if err != nil {
		return record.QueuedEvent{}, err
	}

	ts := now
	if at != "" {
		ts, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return record.QueuedEvent{}, fmt.Errorf("invalid --at %q: %w", at, err)
		}
	}

	return record.NewQueuedEvent(code, ts, severity, note, tags), nil
}

func newEventListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return withQueue(cmd.Context(), cc, func(_ context.Context, q *telemetry.EventQueue) error {
				events := q.All()

				if cc.Flags.JSON {
					return printJSON(cmd.OutOrStdout(), events)
				}

				if len(events) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No queued events.")
					return nil
				}

				printEventTable(cmd.OutOrStdout(), events)

				return nil
			})
		},
	}
}

func printEventTable(w io.Writer, events []record.QueuedEvent) {
	rows := make([][]string, 0, len(events))

	for i := range events {
		sev := "-"
		if events[i].Severity != nil {
			sev = strconv.Itoa(*events[i].Severity)
		}

		rows = append(rows, []string{
			events[i].ID.String(),
			events[i].Code,
			formatTime(events[i].Timestamp),
			sev,
			strings.Join(events[i].Tags, ","),
			events[i].FreeText,
		})
	}

	printTable(w, []string{"ID", "CODE", "TIME", "SEVERITY", "TAGS", "NOTE"}, rows)
}

func newEventRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Drop queued events without sending them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			ids := make([]uuid.UUID, 0, len(args))
			for _, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid event id %q: %w", a, err)
				}

				ids = append(ids, id)
			}

			return withQueue(cmd.Context(), cc, func(ctx context.Context, q *telemetry.EventQueue) error {
				n, err := q.Remove(ctx, ids...)
				if err != nil {
					return err
				}

				cc.Statusf("Removed %d event(s), %d pending\n", n, q.Count())

				return nil
			})
		},
	}
}

func newEventFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Upload queued events now",
		Args:  cobra.NoArgs,
		RunE:  runEventFlush,
	}
}

func runEventFlush(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	ctx, cancel := context.WithTimeout(shutdownContext(cmd.Context(), cc.Logger), commandTimeout)
	defer cancel()

	sess, err := newSession(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	q, err := telemetry.LoadEventQueue(ctx, sess.State, cc.Logger)
	if err != nil {
		return fmt.Errorf("loading event queue: %w", err)
	}

	if q.Count() == 0 {
		cc.Statusf("No queued events.\n")
		return nil
	}

	res, err := q.Flush(ctx, upload.NewGate(), sess.Uploader, sess.Mapper)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]int{
			"attempted":  res.Attempted,
			"removed":    res.Removed,
			"unmappable": res.Unmappable,
			"accepted":   res.Upload.Accepted,
			"failed":     res.Upload.Failed,
			"remaining":  q.Count(),
		})
	}

	cc.Statusf("Sent %d event(s): %d accepted, %d removed, %d still queued\n",
		res.Attempted, res.Upload.Accepted, res.Removed, q.Count())

	if res.Upload.Failed > 0 {
		return fmt.Errorf("%d event(s) could not be delivered and stay queued", res.Upload.Failed)
	}

	return nil
}

func newEventClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return withQueue(cmd.Context(), cc, func(ctx context.Context, q *telemetry.EventQueue) error {
				n := q.Count()
				if err := q.Clear(ctx); err != nil {
					return err
				}

				cc.Statusf("Cleared %d event(s)\n", n)

				return nil
			})
		},
	}
}

// withQueue opens the state database, loads the queue, runs fn and closes
// the database again.
func withQueue(
	ctx context.Context, cc *CLIContext, fn func(context.Context, *telemetry.EventQueue) error,
) error {
	st, err := openState(ctx, cc)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := telemetry.LoadEventQueue(ctx, st, cc.Logger)
	if err != nil {
		return fmt.Errorf("loading event queue: %w", err)
	}

	return fn(ctx, q)
}

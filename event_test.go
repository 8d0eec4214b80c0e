package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vitalsync/internal/record"
)

func listEvents(t *testing.T, env *cliEnv) []record.QueuedEvent {
	t.Helper()

	out, err := env.run(t, "--json", "event", "list")
	require.NoError(t, err)

	var events []record.QueuedEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))

	return events
}

func TestEvent_AddListRemoveClear(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "event", "add", "chest-pain", "--severity", "4", "--note", "after stairs", "--tag", "walk")
	require.NoError(t, err)
	_, err = env.run(t, "event", "add", "medication", "--at", "2024-06-01T08:00:00Z")
	require.NoError(t, err)

	events := listEvents(t, env)
	require.Len(t, events, 2)
	assert.Equal(t, "CHEST_PAIN", events[0].Code)
	require.NotNil(t, events[0].Severity)
	assert.Equal(t, 4, *events[0].Severity)
	assert.Equal(t, "after stairs", events[0].FreeText)
	assert.Equal(t, []string{"walk"}, events[0].Tags)
	assert.Equal(t, "MEDICATION", events[1].Code)
	assert.Nil(t, events[1].Severity)
	assert.True(t, events[1].Timestamp.Equal(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)))

	out, err := env.run(t, "event", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "CHEST_PAIN")
	assert.Contains(t, out, events[0].ID.String())

	_, err = env.run(t, "event", "remove", events[0].ID.String())
	require.NoError(t, err)

	events = listEvents(t, env)
	require.Len(t, events, 1)
	assert.Equal(t, "MEDICATION", events[0].Code)

	_, err = env.run(t, "event", "clear")
	require.NoError(t, err)

	out, err = env.run(t, "event", "list")
	require.NoError(t, err)
	assert.Equal(t, "No queued events.\n", out)
}

func TestEvent_RemoveRejectsBadID(t *testing.T) {
	env := newCLIEnv(t, "")

	_, err := env.run(t, "event", "remove", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid event id")
}

func TestEvent_FlushDeliversAndEmptiesQueue(t *testing.T) {
	srv := newFakeIngest(t)
	env := newCLIEnv(t, ingestConfig(srv.URL))
	env.login(t)

	_, err := env.run(t, "event", "add", "dizzy", "--severity", "2")
	require.NoError(t, err)

	out, err := env.run(t, "--json", "event", "flush")
	require.NoError(t, err)

	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res["attempted"])
	assert.Equal(t, 1, res["removed"])
	assert.Equal(t, 0, res["remaining"])

	got := srv.received()
	require.Len(t, got, 1)
	assert.Equal(t, "user_event", got[0]["type"])

	assert.Empty(t, listEvents(t, env))
}

func TestEvent_FlushEmptyQueue(t *testing.T) {
	srv := newFakeIngest(t)
	env := newCLIEnv(t, ingestConfig(srv.URL))
	env.login(t)

	out, err := env.run(t, "event", "flush")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, srv.received())
}

func newEventFlagsCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()

	cmd := newEventAddCmd()
	require.NoError(t, cmd.ParseFlags(args))

	return cmd
}

func TestEventFromFlags(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		code    string
		args    []string
		wantErr string
		check   func(t *testing.T, ev record.QueuedEvent)
	}{
		{
			name: "defaults",
			code: "nausea",
			check: func(t *testing.T, ev record.QueuedEvent) {
				assert.Equal(t, "NAUSEA", ev.Code)
				assert.Nil(t, ev.Severity)
				assert.True(t, ev.Timestamp.Equal(now))
			},
		},
		{
			name: "severity zero kept",
			code: "pain",
			args: []string{"--severity", "0"},
			check: func(t *testing.T, ev record.QueuedEvent) {
				require.NotNil(t, ev.Severity)
				assert.Equal(t, 0, *ev.Severity)
			},
		},
		{name: "severity too high", code: "pain", args: []string{"--severity", "11"}, wantErr: "--severity"},
		{name: "bad time", code: "pain", args: []string{"--at", "yesterday"}, wantErr: "invalid --at"},
		{name: "empty code", code: "  ", wantErr: "must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev, err := eventFromFlags(newEventFlagsCmd(t, tt.args...), tt.code, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			tt.check(t, ev)
		})
	}
}

func TestPrintEventTable(t *testing.T) {
	t.Parallel()

	sev := 3
	ev := record.NewQueuedEvent("dizzy", time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), &sev, "note", []string{"a", "b"})

	var buf bytes.Buffer
	printEventTable(&buf, []record.QueuedEvent{ev})

	out := buf.String()
	assert.Contains(t, out, "SEVERITY")
	assert.Contains(t, out, "DIZZY")
	assert.Contains(t, out, "a,b")
}

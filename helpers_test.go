package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/vitalsync/internal/config"
	"github.com/tonimelisma/vitalsync/internal/record"
	"github.com/tonimelisma/vitalsync/internal/secret"
	"github.com/tonimelisma/vitalsync/internal/source"
	"github.com/tonimelisma/vitalsync/internal/state"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// cliEnv is an isolated data directory and config file for driving the
// root command end to end.
type cliEnv struct {
	dataDir    string
	configPath string
}

// newCLIEnv writes configBody as the config file. Tests using it must not
// be parallel: the root command binds package-level flag variables.
func newCLIEnv(t *testing.T, configBody string) *cliEnv {
	t.Helper()

	for _, k := range []string{
		config.EnvConfig, config.EnvDataDir, config.EnvBaseURL,
		config.EnvUserID, config.EnvLogLevel, config.EnvBroker,
	} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	env := &cliEnv{
		dataDir:    filepath.Join(dir, "data"),
		configPath: filepath.Join(dir, "config.toml"),
	}

	require.NoError(t, os.WriteFile(env.configPath, []byte(configBody), 0o600))

	return env
}

// run executes the root command with args and returns what it wrote to
// stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	return e.runWithInput(t, nil, args...)
}

func (e *cliEnv) runWithInput(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)

	if stdin != nil {
		cmd.SetIn(stdin)
	}

	cmd.SetArgs(append([]string{"--config", e.configPath, "--data-dir", e.dataDir, "--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func (e *cliEnv) secretsPath() string { return filepath.Join(e.dataDir, "secrets.json") }
func (e *cliEnv) statePath() string   { return filepath.Join(e.dataDir, "state.db") }
func (e *cliEnv) sourcePath() string  { return filepath.Join(e.dataDir, "quantity.db") }

func (e *cliEnv) login(t *testing.T) {
	t.Helper()

	require.NoError(t, os.MkdirAll(e.dataDir, 0o700))
	require.NoError(t, secret.SaveToken(secret.NewFileStore(e.secretsPath()), &oauth2.Token{
		AccessToken: "test-token",
		TokenType:   "Bearer",
	}))
}

func (e *cliEnv) insertSamples(t *testing.T, samples ...record.SourceRecord) {
	t.Helper()

	require.NoError(t, os.MkdirAll(e.dataDir, 0o700))

	q, err := source.OpenQuantityStore(context.Background(), e.sourcePath(), testLogger(t))
	require.NoError(t, err)

	defer q.Close()

	require.NoError(t, q.Insert(context.Background(), samples...))
}

func (e *cliEnv) openState(t *testing.T) *state.Store {
	t.Helper()

	require.NoError(t, os.MkdirAll(e.dataDir, 0o700))

	st, err := state.Open(context.Background(), e.statePath(), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func heartRate(sec int, bpm float64) record.SourceRecord {
	ts := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
	return record.SourceRecord{Type: record.TypeHeartRate, Start: ts, End: ts, Value: bpm, Unit: "bpm"}
}

// fakeIngest is an ingestion service that stores every posted sample.
type fakeIngest struct {
	*httptest.Server

	mu       sync.Mutex
	samples  []map[string]any
	auth     []string
	snapshot string
}

func newFakeIngest(t *testing.T) *fakeIngest {
	t.Helper()

	f := &fakeIngest{snapshot: `{"resting_hr":58}`}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/samples/batch", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Samples []map[string]any `json:"samples"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.samples = append(f.samples, body.Samples...)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"received": len(body.Samples)})
	})
	mux.HandleFunc("GET /v1/state/current", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.snapshot)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)

	return f
}

func (f *fakeIngest) received() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, len(f.samples))
	copy(out, f.samples)

	return out
}

// ingestConfig is a config file pointing at srv with fast timings.
func ingestConfig(baseURL string) string {
	return `
[ingest]
base_url = "` + baseURL + `"
user_id = "u-42"
device_os = "linux"

[upload]
base_backoff = "10ms"
inter_chunk_delay = "0"

[sync]
refresh_quiet_period = "100ms"
streams = ["heart_rate", "spo2"]
`
}

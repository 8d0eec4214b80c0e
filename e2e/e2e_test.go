//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vitalsync/testutil"
)

const endpointEnv = "VITALSYNC_E2E_BASE_URL"

var (
	binaryPath string
	endpoint   string
	tokenPath  string
)

func TestMain(m *testing.M) {
	moduleRoot := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(moduleRoot, ".env"))
	endpoint = testutil.ValidateAllowlist(endpointEnv)

	credDir := testutil.FindTestCredentialDir(moduleRoot)
	tokenPath = filepath.Join(credDir, testutil.TokenFileName(endpoint))

	if _, err := os.Stat(tokenPath); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: token file %s: %v\n", tokenPath, err)
		os.Exit(1)
	}

	// Production paths must not leak in.
	for _, k := range []string{"VITALSYNC_CONFIG", "VITALSYNC_DATA_DIR", "VITALSYNC_BASE_URL"} {
		os.Unsetenv(k)
	}

	tmpDir, err := os.MkdirTemp("", "vitalsync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "vitalsync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = moduleRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// env is an isolated config file and data directory, logged in with the
// test token.
type env struct {
	configPath string
	dataDir    string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()
	e := &env{configPath: filepath.Join(dir, "config.toml"), dataDir: filepath.Join(dir, "data")}

	cfg := fmt.Sprintf(`[ingest]
base_url = %q
user_id = "e2e-%d"

[sync]
sweep_interval = "1m"
refresh_quiet_period = "500ms"
watch_store = false
`, endpoint, time.Now().UnixNano())
	require.NoError(t, os.WriteFile(e.configPath, []byte(cfg), 0o600))

	e.run(t, "login", "--token-file", tokenPath)

	return e
}

func (e *env) command(args ...string) *exec.Cmd {
	full := append([]string{"--config", e.configPath, "--data-dir", e.dataDir}, args...)
	return exec.Command(binaryPath, full...)
}

func (e *env) run(t *testing.T, args ...string) string {
	t.Helper()

	cmd := e.command(args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("vitalsync %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String()
}

func TestE2E_StatusCheck(t *testing.T) {
	e := newEnv(t)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.run(t, "--json", "status", "--check")), &report))
	assert.Equal(t, true, report["logged_in"])
	assert.Equal(t, "healthy", report["backend"])
}

func TestE2E_SyncEmptyStore(t *testing.T) {
	e := newEnv(t)

	var reports []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.run(t, "--json", "sync")), &reports))
	assert.NotEmpty(t, reports)

	for _, r := range reports {
		assert.InDelta(t, 0, r["failed"], 0, r["stream"])
	}
}

func TestE2E_EventRoundTrip(t *testing.T) {
	e := newEnv(t)

	e.run(t, "event", "add", "e2e-check", "--severity", "1", "--note", "vitalsync e2e")

	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(e.run(t, "--json", "event", "flush")), &res))
	assert.Equal(t, 1, res["attempted"])
	assert.Equal(t, 0, res["remaining"])

	assert.Equal(t, "No queued events.\n", e.run(t, "event", "list"))
}

func TestE2E_SnapshotRefresh(t *testing.T) {
	e := newEnv(t)

	e.run(t, "snapshot", "refresh")
	assert.NotEmpty(t, e.run(t, "snapshot"))
}

func TestE2E_DaemonStartsAndStops(t *testing.T) {
	e := newEnv(t)

	cmd := e.command("run")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Start())

	pidPath := filepath.Join(e.dataDir, "vitalsync.pid")
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidPath)
		return err == nil
	}, 10*time.Second, 100*time.Millisecond, "daemon never wrote its PID file")

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.run(t, "--json", "status")), &report))
	daemon, ok := report["daemon"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, daemon["running"])

	require.NoError(t, cmd.Process.Signal(syscall.SIGTERM))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err, "stderr: %s", stderr.String())
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("daemon did not stop after SIGTERM")
	}

	_, err := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "PID file left behind")
}

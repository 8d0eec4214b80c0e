package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vitalsync/internal/record"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[ingest]
base_url = "https://ingest.example.com"
primary_prefix = "/v2"
fallback_prefix = ""
user_id = "u-42"
device_os = "linux"
source = "bedside"
token_url = "https://auth.example.com/token"
client_id = "vitalsync-device"
gzip = true
timeout = "45s"
max_attempts = 3

[upload]
chunk_size = 300
constrained_chunk_size = 120
warmup_size = 50
warmup_extra_retries = 1
max_retries = 4
base_backoff = "500ms"
inter_chunk_delay = "0"
metered = true
constrained_rtt = "0"

[sync]
page_size = 250
sweep_interval = "30m"
window = "45s"
refresh_quiet_period = "2s"
streams = ["heart_rate", "spo2"]
watch_store = false
observer_settle = "1s"

[sensor]
enabled = true
broker = "tcp://localhost:1883"
client_id = "bedside-1"
device_name = "Polar"
window = "5s"

[snapshot]
current_path = "/v2/state/current"
mirror_url = "https://mirror.example.com"

[snapshot.mirror]
"/v2/state/current" = "current.json"

[logging]
log_level = "debug"
log_format = "json"

[storage]
data_dir = "/var/lib/vitalsync"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "https://ingest.example.com", cfg.Ingest.BaseURL)
	assert.Equal(t, "/v2", cfg.Ingest.PrimaryPrefix)
	assert.True(t, cfg.Ingest.Gzip)
	assert.Equal(t, 45*time.Second, cfg.Ingest.TimeoutDuration())
	assert.Equal(t, 300, cfg.Upload.ChunkSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Upload.BaseBackoffDuration())
	assert.Zero(t, cfg.Upload.InterChunkDelayDuration())
	assert.Equal(t, []record.Type{record.TypeHeartRate, record.TypeSpO2}, cfg.Sync.StreamTypes())
	assert.Equal(t, 30*time.Minute, cfg.Sync.SweepIntervalDuration())
	assert.False(t, cfg.Sync.WatchStore)
	assert.True(t, cfg.Sensor.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Sensor.WindowDuration())
	assert.Equal(t, "ecg", cfg.Sensor.StreamKind, "unset keys keep defaults")
	assert.Equal(t, map[string]string{"/v2/state/current": "current.json"}, cfg.Snapshot.Mirror)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, "/var/lib/vitalsync", cfg.Storage.DataDir)
}

func TestLoad_EmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, ""))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Upload, cfg.Upload)
	assert.Equal(t, def.Sync, cfg.Sync)
	assert.Equal(t, 4*time.Second, cfg.Sync.RefreshQuietPeriodDuration())
	assert.Equal(t, 200, cfg.Upload.ChunkSize)
	assert.Equal(t, 150, cfg.Upload.ConstrainedChunkSize)
	assert.Equal(t, 500, cfg.Sync.PageSize)
}

func TestLoad_SyntaxError(t *testing.T) {
	_, err := Load(writeTestConfig(t, "[ingest\nbase_url = 1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationErrorsCollected(t *testing.T) {
	path := writeTestConfig(t, `
[upload]
chunk_size = 0

[logging]
log_level = "loud"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.chunk_size")
	assert.Contains(t, err.Error(), "logging.log_level")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Sync.Streams, cfg.Sync.Streams)
	assert.Empty(t, cfg.Path())
}

func TestResolve_Precedence(t *testing.T) {
	path := writeTestConfig(t, `
[ingest]
base_url = "https://file.example.com"
user_id = "from-file"

[storage]
data_dir = "/srv/file"
`)

	dataDir := "/srv/cli"
	cli := CLIOverrides{ConfigPath: path, DataDir: &dataDir}
	env := EnvOverrides{
		ConfigPath: "/nonexistent/ignored.toml",
		DataDir:    "/srv/env",
		BaseURL:    "https://env.example.com",
		LogLevel:   "warn",
	}

	cfg, err := Resolve(env, cli)
	require.NoError(t, err)

	assert.Equal(t, "/srv/cli", cfg.Storage.DataDir, "CLI beats env")
	assert.Equal(t, "https://env.example.com", cfg.Ingest.BaseURL, "env beats file")
	assert.Equal(t, "from-file", cfg.Ingest.UserID)
	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Equal(t, "/srv/cli/state.db", cfg.StateDBPath())
	assert.Equal(t, "/srv/cli/quantity.db", cfg.SourceDBPath())
	assert.Equal(t, "/srv/cli/vitalsync.pid", cfg.PIDPath())
	assert.Equal(t, "/srv/cli/secrets.json", cfg.SecretsPath())
}

func TestResolve_EnvConfigPath(t *testing.T) {
	path := writeTestConfig(t, "[ingest]\nuser_id = \"env-file\"\n")

	cfg, err := Resolve(EnvOverrides{ConfigPath: path, DataDir: t.TempDir()}, CLIOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "env-file", cfg.Ingest.UserID)
}

func TestResolve_InvalidOverride(t *testing.T) {
	bad := "ftp://example.com"
	_, err := Resolve(EnvOverrides{DataDir: t.TempDir()}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		BaseURL:    &bad,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.base_url")
}

func TestResolve_RelativeDataDir(t *testing.T) {
	rel := "relative/dir"
	_, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		DataDir:    &rel,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.data_dir")
}

func TestResolve_TildeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := "~/vs"
	cfg, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(t.TempDir(), "none.toml"),
		DataDir:    &dir,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "vs"), cfg.Storage.DataDir)
}

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/vitalsync.toml")
	t.Setenv(EnvDataDir, "/data")
	t.Setenv(EnvBaseURL, "https://x")
	t.Setenv(EnvUserID, "u")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvBroker, "tcp://b:1883")

	assert.Equal(t, EnvOverrides{
		ConfigPath: "/etc/vitalsync.toml",
		DataDir:    "/data",
		BaseURL:    "https://x",
		UserID:     "u",
		LogLevel:   "debug",
		Broker:     "tcp://b:1883",
	}, ReadEnvOverrides())
}

func TestDefaultPaths_XDG(t *testing.T) {
	if runtime.GOOS != platformLinux {
		t.Skip("XDG layout is Linux-only")
	}

	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_DATA_HOME", "/xdg/data")

	assert.Equal(t, "/xdg/config/vitalsync/config.toml", DefaultConfigPath())
	assert.Equal(t, "/xdg/data/vitalsync", DefaultDataDir())
}

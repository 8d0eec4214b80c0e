package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_RoundTripsAndRedacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ingest.BaseURL = "https://ingest.example.com"
	cfg.Sensor.Password = "hunter2"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), redacted)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err, "rendered config must load cleanly")
	assert.Equal(t, cfg.Ingest.BaseURL, loaded.Ingest.BaseURL)
	assert.Equal(t, cfg.Sync.Streams, loaded.Sync.Streams)
	assert.Equal(t, "hunter2", cfg.Sensor.Password, "original untouched")
}

func TestEffective_SnakeCaseKeys(t *testing.T) {
	m, err := Effective(DefaultConfig())
	require.NoError(t, err)

	upload, ok := m["upload"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 200, upload["chunk_size"])
}

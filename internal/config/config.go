// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for vitalsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
// Durations are written as Go duration strings ("15m", "200ms") and parsed
// during validation; the typed accessors assume a validated Config.
package config

import (
	"path/filepath"
	"time"

	"github.com/tonimelisma/vitalsync/internal/record"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Ingest   IngestConfig   `toml:"ingest"`
	Upload   UploadConfig   `toml:"upload"`
	Sync     SyncConfig     `toml:"sync"`
	Sensor   SensorConfig   `toml:"sensor"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Logging  LoggingConfig  `toml:"logging"`
	Storage  StorageConfig  `toml:"storage"`

	path string
}

// IngestConfig describes the remote ingestion service and the identity
// stamped on every record.
type IngestConfig struct {
	BaseURL        string `toml:"base_url"`
	PrimaryPrefix  string `toml:"primary_prefix"`
	FallbackPrefix string `toml:"fallback_prefix"`
	UserID         string `toml:"user_id"`
	DeviceOS       string `toml:"device_os"`
	Source         string `toml:"source"`
	TokenURL       string `toml:"token_url"`
	ClientID       string `toml:"client_id"`
	UserAgent      string `toml:"user_agent"`
	Gzip           bool   `toml:"gzip"`
	Timeout        string `toml:"timeout"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// UploadConfig controls batch chunking and retry.
type UploadConfig struct {
	ChunkSize            int    `toml:"chunk_size"`
	ConstrainedChunkSize int    `toml:"constrained_chunk_size"`
	WarmupSize           int    `toml:"warmup_size"`
	WarmupExtraRetries   int    `toml:"warmup_extra_retries"`
	MaxRetries           int    `toml:"max_retries"`
	BaseBackoff          string `toml:"base_backoff"`
	InterChunkDelay      string `toml:"inter_chunk_delay"`
	Metered              bool   `toml:"metered"`
	ConstrainedRTT       string `toml:"constrained_rtt"`
	BandwidthLimit       string `toml:"bandwidth_limit"`
}

// SyncConfig controls the stream sweeps and their triggers.
type SyncConfig struct {
	PageSize           int      `toml:"page_size"`
	SweepInterval      string   `toml:"sweep_interval"`
	Window             string   `toml:"window"`
	RefreshQuietPeriod string   `toml:"refresh_quiet_period"`
	Streams            []string `toml:"streams"`
	WatchStore         bool     `toml:"watch_store"`
	ObserverSettle     string   `toml:"observer_settle"`
}

// SensorConfig controls the continuous sensor session.
type SensorConfig struct {
	Enabled                bool   `toml:"enabled"`
	Broker                 string `toml:"broker"`
	ClientID               string `toml:"client_id"`
	Username               string `toml:"username"`
	Password               string `toml:"password"`
	TopicPrefix            string `toml:"topic_prefix"`
	DeviceName             string `toml:"device_name"`
	Service                string `toml:"service"`
	StreamKind             string `toml:"stream_kind"`
	NarrowScanTimeout      string `toml:"narrow_scan_timeout"`
	ScanTimeout            string `toml:"scan_timeout"`
	Window                 string `toml:"window"`
	InvalidStateRetryDelay string `toml:"invalid_state_retry_delay"`
	RequestTimeout         string `toml:"request_timeout"`
}

// SnapshotConfig names the downstream state endpoint and its static mirror.
// Mirror maps a live request path to a file under MirrorURL.
type SnapshotConfig struct {
	CurrentPath string            `toml:"current_path"`
	MirrorURL   string            `toml:"mirror_url"`
	Mirror      map[string]string `toml:"mirror"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// StorageConfig locates on-disk state. An empty DataDir means the platform
// default; an empty SourceDB means quantity.db inside DataDir.
type StorageConfig struct {
	DataDir  string `toml:"data_dir"`
	SourceDB string `toml:"source_db"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	BaseURL    *string // --base-url flag
}

// Path returns the file the config was loaded from, or "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// StateDBPath is the SQLite database holding cursors and KV slots.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.Storage.DataDir, stateDBFileName)
}

// SecretsPath is the credential file.
func (c *Config) SecretsPath() string {
	return filepath.Join(c.Storage.DataDir, secretsFileName)
}

// PIDPath is the daemon lock file.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Storage.DataDir, pidFileName)
}

// SourceDBPath is the device-local quantity store.
func (c *Config) SourceDBPath() string {
	if c.Storage.SourceDB != "" {
		return c.Storage.SourceDB
	}

	return filepath.Join(c.Storage.DataDir, sourceDBFileName)
}

// StreamTypes returns the configured streams as record types.
func (c *SyncConfig) StreamTypes() []record.Type {
	out := make([]record.Type, 0, len(c.Streams))
	for _, s := range c.Streams {
		out = append(out, record.Type(s))
	}

	return out
}

// TimeoutDuration is the per-request HTTP timeout.
func (c *IngestConfig) TimeoutDuration() time.Duration { return mustDuration(c.Timeout) }

// BaseBackoffDuration is the first retry delay.
func (c *UploadConfig) BaseBackoffDuration() time.Duration { return mustDuration(c.BaseBackoff) }

// InterChunkDelayDuration is the pause between chunks.
func (c *UploadConfig) InterChunkDelayDuration() time.Duration {
	return mustDuration(c.InterChunkDelay)
}

// ConstrainedRTTDuration is the smoothed POST latency above which the link
// is treated as constrained. Zero disables the heuristic.
func (c *UploadConfig) ConstrainedRTTDuration() time.Duration {
	return mustDuration(c.ConstrainedRTT)
}

// BandwidthBytesPerSec is the upload byte rate cap; zero is unlimited.
func (c *UploadConfig) BandwidthBytesPerSec() int64 {
	n, err := ParseRate(c.BandwidthLimit)
	if err != nil {
		return 0
	}

	return n
}

func (c *SyncConfig) SweepIntervalDuration() time.Duration { return mustDuration(c.SweepInterval) }
func (c *SyncConfig) WindowDuration() time.Duration        { return mustDuration(c.Window) }

func (c *SyncConfig) ObserverSettleDuration() time.Duration {
	return mustDuration(c.ObserverSettle)
}

func (c *SyncConfig) RefreshQuietPeriodDuration() time.Duration {
	return mustDuration(c.RefreshQuietPeriod)
}

func (c *SensorConfig) NarrowScanTimeoutDuration() time.Duration {
	return mustDuration(c.NarrowScanTimeout)
}

func (c *SensorConfig) ScanTimeoutDuration() time.Duration    { return mustDuration(c.ScanTimeout) }
func (c *SensorConfig) WindowDuration() time.Duration         { return mustDuration(c.Window) }
func (c *SensorConfig) RequestTimeoutDuration() time.Duration { return mustDuration(c.RequestTimeout) }

func (c *SensorConfig) InvalidStateRetryDelayDuration() time.Duration {
	return mustDuration(c.InvalidStateRetryDelay)
}

// mustDuration parses a validated duration string. Empty and "0" are zero.
func mustDuration(s string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}

	return time.ParseDuration(s)
}

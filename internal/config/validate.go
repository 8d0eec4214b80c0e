package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/vitalsync/internal/record"
)

// Validation range constants.
const (
	maxChunkSize      = 1000
	maxRetryBudget    = 10
	maxPageSize       = 10_000
	minBaseBackoff    = 10 * time.Millisecond
	minSweepInterval  = time.Minute
	minWindow         = time.Second
	minIngestTimeout  = time.Second
	minRefreshQuiet   = 100 * time.Millisecond
	minSensorWindow   = time.Second
	minRequestTimeout = 100 * time.Millisecond
	minMaxAttempts    = 1
	maxMaxAttempts    = 20
)

var (
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats  = map[string]bool{"auto": true, "text": true, "json": true}
	validStreamKinds = map[string]bool{"ecg": true}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateIngest(&cfg.Ingest)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateSensor(&cfg.Sensor)...)
	errs = append(errs, validateSnapshot(&cfg.Snapshot)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only hold after the override
// chain has been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir: no data directory could be determined"))
	} else if !filepath.IsAbs(cfg.Storage.DataDir) {
		errs = append(errs, fmt.Errorf("storage.data_dir: must be absolute after expansion, got %q", cfg.Storage.DataDir))
	}

	if cfg.Storage.SourceDB != "" && !filepath.IsAbs(cfg.Storage.SourceDB) {
		errs = append(errs, fmt.Errorf("storage.source_db: must be absolute after expansion, got %q", cfg.Storage.SourceDB))
	}

	return errors.Join(errs...)
}

// RequireIngest reports whether the settings needed to talk to the
// ingestion service are present. Commands that only touch local state
// don't call it.
func (c *Config) RequireIngest() error {
	var errs []error

	if c.Ingest.BaseURL == "" {
		errs = append(errs, errors.New("ingest.base_url: required"))
	}

	if c.Ingest.UserID == "" {
		errs = append(errs, errors.New("ingest.user_id: required"))
	}

	return errors.Join(errs...)
}

func validateIngest(c *IngestConfig) []error {
	var errs []error

	if c.BaseURL != "" {
		errs = append(errs, validateHTTPURL("ingest.base_url", c.BaseURL)...)
	}

	if c.TokenURL != "" {
		errs = append(errs, validateHTTPURL("ingest.token_url", c.TokenURL)...)

		if c.ClientID == "" {
			errs = append(errs, errors.New("ingest.client_id: required when token_url is set"))
		}
	}

	errs = append(errs, validatePrefix("ingest.primary_prefix", c.PrimaryPrefix)...)
	errs = append(errs, validatePrefix("ingest.fallback_prefix", c.FallbackPrefix)...)

	if c.PrimaryPrefix == c.FallbackPrefix {
		errs = append(errs, fmt.Errorf("ingest.fallback_prefix: must differ from primary_prefix %q", c.PrimaryPrefix))
	}

	if c.MaxAttempts < minMaxAttempts || c.MaxAttempts > maxMaxAttempts {
		errs = append(errs, fmt.Errorf("ingest.max_attempts: must be between %d and %d, got %d",
			minMaxAttempts, maxMaxAttempts, c.MaxAttempts))
	}

	errs = append(errs, validateMinDuration("ingest.timeout", c.Timeout, minIngestTimeout)...)

	return errs
}

func validateUpload(c *UploadConfig) []error {
	var errs []error

	if c.ChunkSize < 1 || c.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("upload.chunk_size: must be between 1 and %d, got %d", maxChunkSize, c.ChunkSize))
	}

	if c.ConstrainedChunkSize < 1 || c.ConstrainedChunkSize > c.ChunkSize {
		errs = append(errs, fmt.Errorf("upload.constrained_chunk_size: must be between 1 and chunk_size (%d), got %d",
			c.ChunkSize, c.ConstrainedChunkSize))
	}

	if c.WarmupSize < 1 || c.WarmupSize > c.ChunkSize {
		errs = append(errs, fmt.Errorf("upload.warmup_size: must be between 1 and chunk_size (%d), got %d",
			c.ChunkSize, c.WarmupSize))
	}

	if c.MaxRetries < 0 || c.MaxRetries > maxRetryBudget {
		errs = append(errs, fmt.Errorf("upload.max_retries: must be between 0 and %d, got %d", maxRetryBudget, c.MaxRetries))
	}

	if c.WarmupExtraRetries < 0 || c.WarmupExtraRetries > maxRetryBudget {
		errs = append(errs, fmt.Errorf("upload.warmup_extra_retries: must be between 0 and %d, got %d",
			maxRetryBudget, c.WarmupExtraRetries))
	}

	errs = append(errs, validateMinDuration("upload.base_backoff", c.BaseBackoff, minBaseBackoff)...)
	errs = append(errs, validateMinDuration("upload.inter_chunk_delay", c.InterChunkDelay, 0)...)
	errs = append(errs, validateMinDuration("upload.constrained_rtt", c.ConstrainedRTT, 0)...)

	if _, err := ParseRate(c.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.bandwidth_limit: %w", err))
	}

	return errs
}

func validateSync(c *SyncConfig) []error {
	var errs []error

	if c.PageSize < 1 || c.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("sync.page_size: must be between 1 and %d, got %d", maxPageSize, c.PageSize))
	}

	errs = append(errs, validateMinDuration("sync.sweep_interval", c.SweepInterval, minSweepInterval)...)
	errs = append(errs, validateMinDuration("sync.window", c.Window, minWindow)...)
	errs = append(errs, validateMinDuration("sync.refresh_quiet_period", c.RefreshQuietPeriod, minRefreshQuiet)...)
	errs = append(errs, validateMinDuration("sync.observer_settle", c.ObserverSettle, 0)...)

	if w, i := mustDuration(c.Window), mustDuration(c.SweepInterval); w > 0 && i > 0 && w >= i {
		errs = append(errs, fmt.Errorf("sync.window: must be shorter than sweep_interval (%s), got %s",
			c.SweepInterval, c.Window))
	}

	if len(c.Streams) == 0 {
		errs = append(errs, errors.New("sync.streams: at least one stream is required"))
	}

	seen := make(map[string]bool, len(c.Streams))

	for _, s := range c.Streams {
		t, err := record.ParseType(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync.streams: %w", err))
			continue
		}

		if t == record.TypeECGWaveform || t == record.TypeUserEvent {
			errs = append(errs, fmt.Errorf("sync.streams: %q is not a quantity stream", s))
		}

		if seen[s] {
			errs = append(errs, fmt.Errorf("sync.streams: %q listed twice", s))
		}

		seen[s] = true
	}

	return errs
}

func validateSensor(c *SensorConfig) []error {
	var errs []error

	if c.Enabled {
		if c.Broker == "" {
			errs = append(errs, errors.New("sensor.broker: required when the sensor is enabled"))
		}

		if c.ClientID == "" {
			errs = append(errs, errors.New("sensor.client_id: required when the sensor is enabled"))
		}
	}

	if c.Broker != "" {
		u, err := url.Parse(c.Broker)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("sensor.broker: must be a URL like tcp://host:1883, got %q", c.Broker))
		}
	}

	if !validStreamKinds[c.StreamKind] {
		errs = append(errs, fmt.Errorf("sensor.stream_kind: unsupported kind %q", c.StreamKind))
	}

	if c.TopicPrefix == "" || strings.ContainsAny(c.TopicPrefix, "+#") {
		errs = append(errs, fmt.Errorf("sensor.topic_prefix: must be a non-empty topic without wildcards, got %q", c.TopicPrefix))
	}

	errs = append(errs, validateMinDuration("sensor.narrow_scan_timeout", c.NarrowScanTimeout, 0)...)
	errs = append(errs, validateMinDuration("sensor.scan_timeout", c.ScanTimeout, 0)...)
	errs = append(errs, validateMinDuration("sensor.window", c.Window, minSensorWindow)...)
	errs = append(errs, validateMinDuration("sensor.invalid_state_retry_delay", c.InvalidStateRetryDelay, 0)...)
	errs = append(errs, validateMinDuration("sensor.request_timeout", c.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateSnapshot(c *SnapshotConfig) []error {
	var errs []error

	if !strings.HasPrefix(c.CurrentPath, "/") {
		errs = append(errs, fmt.Errorf("snapshot.current_path: must start with /, got %q", c.CurrentPath))
	}

	if c.MirrorURL != "" {
		errs = append(errs, validateHTTPURL("snapshot.mirror_url", c.MirrorURL)...)
	}

	if len(c.Mirror) > 0 && c.MirrorURL == "" {
		errs = append(errs, errors.New("snapshot.mirror: mirror_url is required when paths are mapped"))
	}

	for path, file := range c.Mirror {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Errorf("snapshot.mirror: path %q must start with /", path))
		}

		if file == "" {
			errs = append(errs, fmt.Errorf("snapshot.mirror: path %q maps to an empty file name", path))
		}
	}

	return errs
}

func validateLogging(c *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	if !validLogFormats[c.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", c.LogFormat))
	}

	return errs
}

func validateHTTPURL(field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: scheme must be http or https, got %q", field, raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: missing host in %q", field, raw)}
	}

	return nil
}

func validatePrefix(field, p string) []error {
	if p == "" {
		return nil
	}

	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return []error{fmt.Errorf("%s: must start and not end with /, got %q", field, p)}
	}

	return nil
}

func validateMinDuration(field, s string, minimum time.Duration) []error {
	d, err := parseDuration(s)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, s, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must not be negative, got %s", field, s)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, s)}
	}

	return nil
}

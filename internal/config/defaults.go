package config

import "github.com/tonimelisma/vitalsync/internal/record"

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultPrimaryPrefix          = "/v1"
	defaultSource                 = "vitalsync"
	defaultIngestTimeout          = "30s"
	defaultMaxAttempts            = 5
	defaultChunkSize              = 200
	defaultConstrainedChunkSize   = 150
	defaultWarmupSize             = 100
	defaultWarmupExtraRetries     = 2
	defaultMaxRetries             = 3
	defaultBaseBackoff            = "200ms"
	defaultInterChunkDelay        = "250ms"
	defaultConstrainedRTT         = "2s"
	defaultBandwidthLimit         = "0"
	defaultPageSize               = 500
	defaultSweepInterval          = "15m"
	defaultWindow                 = "30s"
	defaultRefreshQuietPeriod     = "4s"
	defaultObserverSettle         = "2s"
	defaultSensorClientID         = "vitalsync"
	defaultTopicPrefix            = "vitalsync/sensor"
	defaultSensorService          = "pmd"
	defaultStreamKind             = "ecg"
	defaultNarrowScanTimeout      = "5s"
	defaultScanTimeout            = "30s"
	defaultSensorWindow           = "10s"
	defaultInvalidStateRetryDelay = "500ms"
	defaultRequestTimeout         = "10s"
	defaultCurrentPath            = "/v1/state/current"
	defaultLogLevel               = "info"
	defaultLogFormat              = "auto"
)

// defaultStreams are the quantity streams swept when none are configured.
var defaultStreams = []record.Type{
	record.TypeHeartRate,
	record.TypeRestingHeartRate,
	record.TypeSpO2,
	record.TypeHRV,
	record.TypeBPSystolic,
	record.TypeBPDiastolic,
	record.TypeRespiratoryRate,
	record.TypeBodyTemperature,
	record.TypeSteps,
	record.TypeSleepStage,
}

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	streams := make([]string, 0, len(defaultStreams))
	for _, t := range defaultStreams {
		streams = append(streams, string(t))
	}

	return &Config{
		Ingest: IngestConfig{
			PrimaryPrefix: defaultPrimaryPrefix,
			Source:        defaultSource,
			Timeout:       defaultIngestTimeout,
			MaxAttempts:   defaultMaxAttempts,
		},
		Upload: UploadConfig{
			ChunkSize:            defaultChunkSize,
			ConstrainedChunkSize: defaultConstrainedChunkSize,
			WarmupSize:           defaultWarmupSize,
			WarmupExtraRetries:   defaultWarmupExtraRetries,
			MaxRetries:           defaultMaxRetries,
			BaseBackoff:          defaultBaseBackoff,
			InterChunkDelay:      defaultInterChunkDelay,
			ConstrainedRTT:       defaultConstrainedRTT,
			BandwidthLimit:       defaultBandwidthLimit,
		},
		Sync: SyncConfig{
			PageSize:           defaultPageSize,
			SweepInterval:      defaultSweepInterval,
			Window:             defaultWindow,
			RefreshQuietPeriod: defaultRefreshQuietPeriod,
			Streams:            streams,
			WatchStore:         true,
			ObserverSettle:     defaultObserverSettle,
		},
		Sensor: SensorConfig{
			ClientID:               defaultSensorClientID,
			TopicPrefix:            defaultTopicPrefix,
			Service:                defaultSensorService,
			StreamKind:             defaultStreamKind,
			NarrowScanTimeout:      defaultNarrowScanTimeout,
			ScanTimeout:            defaultScanTimeout,
			Window:                 defaultSensorWindow,
			InvalidStateRetryDelay: defaultInvalidStateRetryDelay,
			RequestTimeout:         defaultRequestTimeout,
		},
		Snapshot: SnapshotConfig{
			CurrentPath: defaultCurrentPath,
			Mirror:      make(map[string]string),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

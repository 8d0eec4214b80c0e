package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "VITALSYNC_CONFIG"
	EnvDataDir  = "VITALSYNC_DATA_DIR"
	EnvBaseURL  = "VITALSYNC_BASE_URL"
	EnvUserID   = "VITALSYNC_USER_ID"
	EnvLogLevel = "VITALSYNC_LOG_LEVEL"
	EnvBroker   = "VITALSYNC_BROKER"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // VITALSYNC_CONFIG: override config file path
	DataDir    string // VITALSYNC_DATA_DIR
	BaseURL    string // VITALSYNC_BASE_URL
	UserID     string // VITALSYNC_USER_ID
	LogLevel   string // VITALSYNC_LOG_LEVEL
	Broker     string // VITALSYNC_BROKER: sensor MQTT broker
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		BaseURL:    os.Getenv(EnvBaseURL),
		UserID:     os.Getenv(EnvUserID),
		LogLevel:   os.Getenv(EnvLogLevel),
		Broker:     os.Getenv(EnvBroker),
	}
}

func (e EnvOverrides) apply(cfg *Config) {
	setIf(&cfg.Storage.DataDir, e.DataDir)
	setIf(&cfg.Ingest.BaseURL, e.BaseURL)
	setIf(&cfg.Ingest.UserID, e.UserID)
	setIf(&cfg.Logging.LogLevel, e.LogLevel)
	setIf(&cfg.Sensor.Broker, e.Broker)
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

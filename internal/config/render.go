package config

import (
	"bytes"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

const redacted = "(redacted)"

// redactedCopy returns cfg with secrets masked.
func redactedCopy(cfg *Config) Config {
	c := *cfg
	if c.Sensor.Password != "" {
		c.Sensor.Password = redacted
	}

	return c
}

// RenderEffective writes the effective configuration as TOML, with secrets
// masked. The output is a valid config file.
func RenderEffective(cfg *Config, w io.Writer) error {
	c := redactedCopy(cfg)

	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("config: rendering: %w", err)
	}

	return nil
}

// Effective returns the effective configuration as nested maps keyed by the
// TOML key names, with secrets masked. Used for JSON output.
func Effective(cfg *Config) (map[string]any, error) {
	var buf bytes.Buffer
	if err := RenderEffective(cfg, &buf); err != nil {
		return nil, err
	}

	out := map[string]any{}
	if _, err := toml.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, fmt.Errorf("config: re-reading rendered config: %w", err)
	}

	return out, nil
}

// Package config loads the vaultd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the on-disk configuration of a vault daemon. Every
// recognized option is an explicit field; unknown keys fail loading.
type Config struct {
	DataPath       string   `yaml:"dataPath"`
	MinimumFreeGB  uint     `yaml:"minimumFreeGB"`
	PackageContext string   `yaml:"packageContext"`
	SessionTTL     string   `yaml:"sessionTTL"`
	Threshold      int      `yaml:"threshold"`
	KeyServers     []string `yaml:"keyServers"`
}

// Load reads and validates a configuration file, applying defaults
// for optional fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if config.DataPath == "" {
		config.DataPath = "vault-data"
	}
	if config.SessionTTL == "" {
		config.SessionTTL = "10m"
	}
	if config.PackageContext == "" {
		return Config{}, fmt.Errorf("config %s: packageContext is required", path)
	}
	if config.Threshold < 1 {
		return Config{}, fmt.Errorf("config %s: threshold must be at least 1", path)
	}
	if config.Threshold > len(config.KeyServers) {
		return Config{}, fmt.Errorf(
			"config %s: threshold %d exceeds configured key servers %d",
			path, config.Threshold, len(config.KeyServers),
		)
	}
	if _, err := time.ParseDuration(config.SessionTTL); err != nil {
		return Config{}, fmt.Errorf("config %s: sessionTTL: %w", path, err)
	}

	return config, nil
}

// ParsedSessionTTL returns the session TTL as a duration. Load has
// already validated the string.
func (c Config) ParsedSessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.SessionTTL)
	return d
}

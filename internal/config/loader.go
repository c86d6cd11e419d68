package config

import (
	"errors"
	"fmt"
	"os"

	"appstore/pkg/logging"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "/etc/appstore/config.yaml"

// LoadConfig loads the configuration file at path on top of the defaults.
// A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	config := GetDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config found at %s, using defaults", path)
			return config, nil
		}
		return Config{}, fmt.Errorf("error reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		// config malformed
		return Config{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	logging.Debug("ConfigLoader", "Loaded configuration from %s", path)
	return config, nil
}

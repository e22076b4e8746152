package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Load reads a TOML configuration file into a StateSyncConfig, applying
// defaults for any keys the file omits, and validates the result.
func Load(path string) (*StateSyncConfig, error) {
	cfg := DefaultStateSyncConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config in %q: %w", path, err)
	}
	return cfg, nil
}

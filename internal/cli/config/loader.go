package config

import (
	"fmt"

	"github.com/grovekit/grove/internal/infra/confloader"
)

// Load reads the configuration: defaults, then the yaml file (missing
// files are fine), then GROVE_* environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()
	loader := confloader.NewLoader(confloader.WithConfigFile(path))
	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

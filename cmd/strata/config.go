package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/strata/internal/device"
)

// Config represents the strata configuration file
// (~/.config/strata/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	DeviceID *int64   `yaml:"device_id"`
	MemoryGB *float64 `yaml:"memory_gb"`
	Workers  *int64   `yaml:"workers"`
	Seed     *int64   `yaml:"seed"`
	Strict   *bool    `yaml:"strict_bounds"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	StatsAddress string `yaml:"stats_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strata", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig applies config file defaults to the global flag variables
// when the corresponding flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.DeviceID != nil && !c.IsSet("device") {
		deviceID = *cfg.DeviceID
	}
	if cfg.MemoryGB != nil && !c.IsSet("memory-gb") {
		memoryGB = *cfg.MemoryGB
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Strict != nil && !c.IsSet("strict-bounds") {
		strict = *cfg.Strict
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func deviceConfig() device.Config {
	return device.Config{
		DeviceID: int(deviceID),
		MemoryGB: memoryGB,
		Workers:  int(workers),
		Seed:     uint64(seed),

		StrictBounds: strict,
	}
}

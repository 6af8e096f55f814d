package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/rendis/orchestra/pkg/orchestra"
	"github.com/rendis/orchestra/pkg/schema"
)

const envPrefix = "ORCHESTRA_"

// Config holds the orchestra binary configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	orchestra.Config

	LogLevel        string          `json:"log_level" env:"LOG_LEVEL"`
	MetricsAddr     string          `json:"metrics_addr" env:"METRICS_ADDR"`
	ShutdownTimeout schema.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Schedules are registered by serve. Settings file only.
	Schedules []ScheduleEntry `json:"schedules,omitempty"`
}

// ScheduleEntry submits the plan document at File on every Cron tick.
type ScheduleEntry struct {
	Cron string `json:"cron"`
	File string `json:"file"`
}

func defaultConfig() Config {
	cfg := Config{
		Config:          orchestra.DefaultConfig(),
		LogLevel:        "info",
		MetricsAddr:     ":9464",
		ShutdownTimeout: schema.Duration(30 * time.Second),
	}
	cfg.DSN = "file:" + filepath.Join(orchestraDir(), "orchestra.db")
	return cfg
}

func orchestraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestra"
	}
	return filepath.Join(home, ".orchestra")
}

func settingsPath() string {
	if p := os.Getenv(envPrefix + "SETTINGS"); p != "" {
		return p
	}
	return filepath.Join(orchestraDir(), "settings.json")
}

// loadConfig layers the settings file at path and the environment over the
// defaults. A missing settings file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the binary's own settings and the engine configuration.
func (c Config) Validate() error {
	var errs []error
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", c.LogLevel))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout))
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.File == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: cron and file are required", i))
		}
	}
	if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that only take effect on restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DSN != new.DSN {
		d.RestartNeeded = append(d.RestartNeeded, "dsn")
	}
	if old.MaxWorkers != new.MaxWorkers {
		d.RestartNeeded = append(d.RestartNeeded, "max_workers")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.Archive != new.Archive {
		d.RestartNeeded = append(d.RestartNeeded, "archive")
	}
	if len(old.Schedules) != len(new.Schedules) {
		d.RestartNeeded = append(d.RestartNeeded, "schedules")
	} else {
		for i := range old.Schedules {
			if old.Schedules[i] != new.Schedules[i] {
				d.RestartNeeded = append(d.RestartNeeded, "schedules")
				break
			}
		}
	}
	return d
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func runInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	path := fs.String("settings", settingsPath(), "settings file to write")
	dsn := fs.String("dsn", "", "persistence connection string (default: libSQL file in ~/.orchestra)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	maxWorkers := fs.Int("max-workers", 10, "maximum concurrent agent calls")
	metricsAddr := fs.String("metrics-addr", ":9464", "metrics listen address")
	force := fs.Bool("force", false, "overwrite an existing settings file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s exists (use -force to overwrite)\n", *path)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(*path), 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", filepath.Dir(*path), err)
		return 1
	}

	cfg := defaultConfig()
	cfg.LogLevel = *logLevel
	cfg.MaxWorkers = *maxWorkers
	cfg.MetricsAddr = *metricsAddr
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*path, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", *path, err)
		return 1
	}
	fmt.Printf("Config written to %s\n", *path)
	return 0
}

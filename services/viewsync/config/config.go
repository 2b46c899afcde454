// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the viewsyncd configuration file.
//
// The file lives at ~/.viewsync/viewsync.yaml unless a path is given. It is
// created with defaults on first run. VIEWSYNC_* environment variables
// override file values, and the result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/viewsync/services/viewsync/telemetry"
)

// ErrInvalidConfig wraps every parse and validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the viewsyncd configuration.
type Config struct {
	// QuiescenceWindow is how long notification triggers coalesce before
	// the host is told about visible ranges.
	QuiescenceWindow time.Duration `yaml:"quiescence_window" validate:"gte=0"`

	// MarkerFetchTimeout bounds one marker fetch.
	MarkerFetchTimeout time.Duration `yaml:"marker_fetch_timeout" validate:"gt=0"`

	// ListenAddr is where the host bridge listens.
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`

	// NotifyRate is the sustained outbound message rate per connection.
	NotifyRate float64 `yaml:"notify_rate" validate:"gt=0"`

	// NotifyBurst is the outbound token bucket size.
	NotifyBurst int `yaml:"notify_burst" validate:"min=1"`

	Watch     WatchConfig      `yaml:"watch"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// WatchConfig configures the workspace watcher. An empty Root disables it.
type WatchConfig struct {
	Root     string        `yaml:"root,omitempty" validate:"omitempty,dir"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
	Ignore   []string      `yaml:"ignore,omitempty"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// JSON forces the stderr format; unset picks JSON when stderr is not
	// a terminal.
	JSON *bool `yaml:"json,omitempty"`

	Dir string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		QuiescenceWindow:   10 * time.Millisecond,
		MarkerFetchTimeout: 5 * time.Second,
		ListenAddr:         "127.0.0.1:7878",
		NotifyRate:         50,
		NotifyBurst:        10,
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
			Ignore:   []string{".git", "node_modules", "vendor"},
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.viewsync/logs",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns ~/.viewsync/viewsync.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".viewsync", "viewsync.yaml"), nil
}

// Load reads, overrides and validates the configuration.
//
// Description:
//
//	An empty path means DefaultPath. A missing file is created with
//	DefaultConfig first. Fields absent from the file keep their defaults.
//	VIEWSYNC_* environment variables are applied after the file.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - File I/O errors, or ErrInvalidConfig for bad content.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := WriteDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := DefaultConfig().YAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// YAML encodes the configuration in file format.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = d
		return nil
	}

	str("VIEWSYNC_LISTEN_ADDR", &cfg.ListenAddr)
	str("VIEWSYNC_WATCH_ROOT", &cfg.Watch.Root)
	str("VIEWSYNC_LOG_LEVEL", &cfg.Logging.Level)
	str("VIEWSYNC_LOG_DIR", &cfg.Logging.Dir)
	str("VIEWSYNC_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("VIEWSYNC_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("VIEWSYNC_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	if err := dur("VIEWSYNC_QUIESCENCE_WINDOW", &cfg.QuiescenceWindow); err != nil {
		return err
	}
	if err := dur("VIEWSYNC_MARKER_FETCH_TIMEOUT", &cfg.MarkerFetchTimeout); err != nil {
		return err
	}
	if v, ok := lookup("VIEWSYNC_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: VIEWSYNC_LOG_JSON: %v", ErrInvalidConfig, err)
		}
		cfg.Logging.JSON = &b
	}
	return nil
}

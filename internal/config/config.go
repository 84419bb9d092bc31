// Package config loads the optional ttyshare config file. It only tunes
// ambient behavior; the socket path and program always come from the command
// line.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.ttyshare/config.yml"

type Config struct {
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	Backlog    int    `yaml:"backlog" default:"255"`
	BufferSize int    `yaml:"buffer_size" default:"2048"`
	RelayStdin bool   `yaml:"relay_stdin" default:"true"`
	Shell      string `yaml:"shell"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path (tilde-expanded) over the defaults. A missing file is not
// an error; found reports whether one was read.
func Load(path string) (cfg *Config, found bool, err error) {
	if path == "" {
		path = DefaultPath
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, false, err
	}

	cfg = Default()
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, false, fmt.Errorf("failed to parse config file %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid config file %s: %w", expanded, err)
	}
	cfg.LogFile, err = ExpandPath(cfg.LogFile)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Backlog < 1 {
		return fmt.Errorf("backlog must be positive, got %d", c.Backlog)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}

// ExpandPath expands the tilde (~) character to the user's home directory.
func ExpandPath(path string) (string, error) {
	if len(path) == 0 {
		return path, nil
	}

	if path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		if len(path) == 1 {
			return homeDir, nil
		}
		if path[1] == '/' || path[1] == '\\' {
			return filepath.Join(homeDir, path[2:]), nil
		}
	}

	return path, nil
}

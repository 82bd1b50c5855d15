// Package config loads the briectl configuration file. Command-line flags
// and environment variables override anything set here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk briectl configuration.
type Config struct {
	// BaseURL is the expense tracker API endpoint.
	BaseURL string `yaml:"base_url"`
	// Token is the access token attached to every request.
	Token string `yaml:"token"`
	// UserID is sent as the X-User-ID header.
	UserID string `yaml:"user_id"`
	// QueueFile is where pending offline mutations are persisted.
	QueueFile string `yaml:"queue_file"`
	// Timeout bounds each command.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:   "http://localhost:3000",
		QueueFile: defaultQueuePath(),
		Timeout:   30 * time.Second,
	}
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "briectl.yaml")
	}
	return filepath.Join(dir, "briectl", "config.yaml")
}

// Load reads the config file at the conventional location, falling back to
// defaults if it does not exist.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads the config file at path. A missing file is not an
// error; unset fields are filled with defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config %s: base_url is required", path)
	}
	if cfg.QueueFile == "" {
		cfg.QueueFile = defaultQueuePath()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg, nil
}

func defaultQueuePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "briectl", "queue.json")
}

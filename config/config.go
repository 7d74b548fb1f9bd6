// Package config loads client configuration from a YAML file with
// environment overrides. A .env file in the working directory is folded
// into the environment first, so local development setups need no exports.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultServerURL   = "http://localhost:8080"
	DefaultLogLevel    = "info"
	DefaultCallTimeout = 15 * time.Second
	DefaultIdleTimeout = 90 * time.Second
)

// Config is the full client configuration.
type Config struct {
	ServerURL       string        `yaml:"server_url"`
	Token           string        `yaml:"token"`
	DataDir         string        `yaml:"data_dir"`
	LogLevel        string        `yaml:"log_level"`
	FreezeThreshold int           `yaml:"freeze_threshold"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "docchat.yaml"
	}
	return filepath.Join(home, ".docchat", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docchat"
	}
	return filepath.Join(home, ".docchat", "data")
}

// Load reads the config file at path (skipped when absent), then applies
// environment overrides. Path may be empty to use DefaultPath.
func Load(path string) (*Config, error) {
	// Best effort; most environments have no .env file.
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:   DefaultServerURL,
		DataDir:     defaultDataDir(),
		LogLevel:    DefaultLogLevel,
		CallTimeout: DefaultCallTimeout,
		IdleTimeout: DefaultIdleTimeout,
	}

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults plus environment are enough to run.
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DOCCHAT_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("DOCCHAT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("DOCCHAT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DOCCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DOCCHAT_FREEZE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FreezeThreshold = n
		}
	}
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.FreezeThreshold < 0 {
		return fmt.Errorf("freeze_threshold must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

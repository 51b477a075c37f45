// Package config loads spendbook's settings from config.json, optional
// .env files and SPENDBOOK_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "SPENDBOOK"

const configFile = "config.json"

// Duration is a time.Duration stored as "3s" / "5m" in config.json.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are seconds.
		var n float64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration: %w", err)
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full client configuration.
type Config struct {
	DataDir    string          `json:"data_dir,omitempty" envconfig:"DATA_DIR"`
	LogLevel   string          `json:"log_level,omitempty" envconfig:"LOG_LEVEL"`
	LogFormat  string          `json:"log_format,omitempty" envconfig:"LOG_FORMAT"`
	Sync       SyncConfig      `json:"sync" envconfig:"SYNC"`
	Auth       AuthConfig      `json:"auth" envconfig:"AUTH"`
	Net        NetConfig       `json:"net" envconfig:"NET"`
	Tombstones TombstoneConfig `json:"tombstones" envconfig:"TOMBSTONES"`

	dir string
}

// SyncConfig configures the remote authority and batching.
type SyncConfig struct {
	URL       string         `json:"url,omitempty" envconfig:"URL"`
	Enabled   bool           `json:"enabled" envconfig:"ENABLED"`
	BatchSize int            `json:"batch_size" envconfig:"BATCH_SIZE"`
	PullLimit int            `json:"pull_limit" envconfig:"PULL_LIMIT"`
	Auto      AutoSyncConfig `json:"auto" envconfig:"AUTO"`
}

// AutoSyncConfig drives the background scheduler.
type AutoSyncConfig struct {
	Enabled  bool     `json:"enabled" envconfig:"ENABLED"`
	OnStart  bool     `json:"on_start" envconfig:"ON_START"`
	Debounce Duration `json:"debounce" envconfig:"DEBOUNCE"`
	Interval Duration `json:"interval" envconfig:"INTERVAL"`
	Pull     bool     `json:"pull" envconfig:"PULL"`
}

// AuthConfig bounds session validation.
type AuthConfig struct {
	ValidateTimeout Duration `json:"validate_timeout" envconfig:"VALIDATE_TIMEOUT"`
	GracePeriod     Duration `json:"grace_period" envconfig:"GRACE_PERIOD"`
}

// NetConfig configures the connectivity probe.
type NetConfig struct {
	ProbeInterval Duration `json:"probe_interval" envconfig:"PROBE_INTERVAL"`
}

// TombstoneConfig controls how long confirmed deletions are kept.
type TombstoneConfig struct {
	Retention Duration `json:"retention" envconfig:"RETENTION"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "warn",
		LogFormat: "text",
		Sync: SyncConfig{
			URL:       "http://localhost:8080",
			Enabled:   true,
			BatchSize: 500,
			PullLimit: 1000,
			Auto: AutoSyncConfig{
				Enabled:  true,
				OnStart:  true,
				Debounce: Duration(3 * time.Second),
				Interval: Duration(5 * time.Minute),
				Pull:     true,
			},
		},
		Auth: AuthConfig{
			ValidateTimeout: Duration(5 * time.Second),
			GracePeriod:     Duration(30 * time.Second),
		},
		Net:        NetConfig{ProbeInterval: Duration(15 * time.Second)},
		Tombstones: TombstoneConfig{Retention: Duration(720 * time.Hour)},
	}
}

// DefaultDir returns the config directory: $SPENDBOOK_CONFIG_DIR, or
// ~/.config/spendbook.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".config", "spendbook"), nil
}

// Load builds the configuration for dir. Later sources win: defaults,
// dir/config.json, then the environment. The process .env and dir/.env
// are loaded into the environment first without replacing variables that
// are already set.
func Load(dir string) (*Config, error) {
	cfg := Default()
	cfg.dir = dir

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFile, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", configFile, err)
	}

	if err := loadDotEnv(".env", filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(dir, "data")
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 500
	}
	if cfg.Sync.PullLimit <= 0 {
		cfg.Sync.PullLimit = 1000
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	slog.Debug("config: loaded env files", "files", existing)
	return nil
}

// Dir returns the directory the config was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// Save writes the config to dir/config.json using atomic write (temp file + rename).
func (c *Config) Save() error {
	if c.dir == "" {
		return errors.New("config: no directory")
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, filepath.Join(c.dir, configFile))
}

// SlogLevel maps LogLevel to a slog level; unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Package config loads warehouse settings from a config file, environment
// variables and command-line flags.
//
// Precedence, highest first: flags bound with BindFlag, WAREHOUSE_* env
// vars, the YAML config file, defaults. Nested keys map to env vars by
// upper-casing and replacing dots, e.g. remote.api_key is
// WAREHOUSE_REMOTE_API_KEY.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WAREHOUSE"

// Queue backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Config is the effective configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	UserID       string             `mapstructure:"user_id"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
}

// QueueConfig selects where pending changes are stored.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// RemoteConfig describes the backend. An empty URL and LocalDB means no
// backend is configured and sync is skipped.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`

	// LocalDB points at a SQLite file used as the backend instead of URL.
	LocalDB string `mapstructure:"local_db"`
}

// ConnectivityConfig configures the online/offline signals.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	FlagFile      string        `mapstructure:"flag_file"`
}

// SyncConfig configures the daemon's retry policy and the lease that keeps
// processes sharing a data dir from syncing at the same time.
type SyncConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

// DashboardConfig configures the status server.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig routes daemon logs to a rotating file. An empty File logs to
// stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// HomeDir returns $WAREHOUSE_HOME, or ~/.warehouse.
func HomeDir() string {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warehouse"
	}
	return filepath.Join(home, ".warehouse")
}

// SetDefaults registers every key with its default. Keys must be registered
// for env overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", HomeDir())
	v.SetDefault("user_id", "")
	v.SetDefault("queue.backend", BackendSQLite)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.local_db", "")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.flag_file", "")
	v.SetDefault("sync.backoff_initial", 2*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.lease_ttl", 2*time.Minute)
	v.SetDefault("dashboard.port", 8088)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and env overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlag makes a command-line flag override key when it is set.
func BindFlag(v *viper.Viper, key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("flag for %s not defined", key)
	}
	if err := v.BindPFlag(key, flag); err != nil {
		return fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
	}
	return nil
}

// Load reads the config file and returns the effective configuration. An
// explicit path must exist; without one, config.yaml in HomeDir is read if
// present.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(HomeDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	switch c.Queue.Backend {
	case BackendSQLite, BackendFile:
	default:
		return fmt.Errorf("queue.backend must be %q or %q, got %q", BackendSQLite, BackendFile, c.Queue.Backend)
	}
	if c.Remote.URL != "" && c.Remote.LocalDB != "" {
		return fmt.Errorf("remote.url and remote.local_db are mutually exclusive")
	}
	if c.Sync.LeaseTTL <= 0 {
		return fmt.Errorf("sync.lease_ttl must be positive, got %v", c.Sync.LeaseTTL)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// DBPath is the local SQLite database holding the queue and table snapshot.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "warehouse.db")
}

// FlagPath is the offline flag file watched by the connectivity monitor.
func (c *Config) FlagPath() string {
	if c.Connectivity.FlagFile != "" {
		return c.Connectivity.FlagFile
	}
	return filepath.Join(c.DataDir, "offline")
}

// HasRemote reports whether a backend is configured.
func (c *Config) HasRemote() bool {
	return c.Remote.URL != "" || c.Remote.LocalDB != ""
}

// Render formats the configuration as "yaml" or "toml". Secrets are masked.
func (c *Config) Render(format string) ([]byte, error) {
	settings := c.settings()

	switch format {
	case "yaml", "yml", "":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("failed to render yaml: %w", err)
		}
		return data, nil
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return nil, fmt.Errorf("failed to render toml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}

// settings is the config as nested maps, durations as strings.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"data_dir": c.DataDir,
		"user_id":  c.UserID,
		"queue": map[string]any{
			"backend": c.Queue.Backend,
		},
		"remote": map[string]any{
			"url":      c.Remote.URL,
			"api_key":  mask(c.Remote.APIKey),
			"token":    mask(c.Remote.Token),
			"timeout":  c.Remote.Timeout.String(),
			"local_db": c.Remote.LocalDB,
		},
		"connectivity": map[string]any{
			"probe_url":      c.Connectivity.ProbeURL,
			"probe_interval": c.Connectivity.ProbeInterval.String(),
			"flag_file":      c.FlagPath(),
		},
		"sync": map[string]any{
			"backoff_initial": c.Sync.BackoffInitial.String(),
			"backoff_max":     c.Sync.BackoffMax.String(),
			"lease_ttl":       c.Sync.LeaseTTL.String(),
		},
		"dashboard": map[string]any{
			"port": c.Dashboard.Port,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 8)
}

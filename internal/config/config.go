// Package config loads fieldsync settings from a config file, environment
// variables and defaults.
//
// The config file is fieldsync.toml (or .yaml) in the data directory unless
// a path is given explicitly. Every setting can be overridden with a
// FIELDSYNC_ environment variable, e.g. FIELDSYNC_REMOTE_URL.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC"

// FileName is the config file base name without extension.
const FileName = "fieldsync"

// Secret provider kinds.
const (
	ProviderFile   = "file"
	ProviderLegacy = "legacy"
)

// Config is the full set of settings.
type Config struct {
	DataDir        string `mapstructure:"data_dir" toml:"data_dir" yaml:"data_dir"`
	LegacyPath     string `mapstructure:"legacy_path" toml:"legacy_path" yaml:"legacy_path"`
	SecretProvider string `mapstructure:"secret_provider" toml:"secret_provider" yaml:"secret_provider"`

	Remote    RemoteConfig    `mapstructure:"remote" toml:"remote" yaml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" toml:"sync" yaml:"sync"`
	Retry     RetryConfig     `mapstructure:"retry" toml:"retry" yaml:"retry"`
	Dashboard DashboardConfig `mapstructure:"dashboard" toml:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" toml:"log" yaml:"log"`
}

// RemoteConfig locates the central sync service.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" toml:"url" yaml:"url"`
	Token   string        `mapstructure:"token" toml:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`
}

// SyncConfig drives the daemon.
type SyncConfig struct {
	Interval     time.Duration `mapstructure:"interval" toml:"interval" yaml:"interval"`
	Jitter       time.Duration `mapstructure:"jitter" toml:"jitter" yaml:"jitter"`
	CycleTimeout time.Duration `mapstructure:"cycle_timeout" toml:"cycle_timeout" yaml:"cycle_timeout"`
	InboxDir     string        `mapstructure:"inbox_dir" toml:"inbox_dir" yaml:"inbox_dir"`
}

// RetryConfig is the backoff schedule for failed pushes.
type RetryConfig struct {
	BaseInterval time.Duration `mapstructure:"base_interval" toml:"base_interval" yaml:"base_interval"`
	Multiplier   float64       `mapstructure:"multiplier" toml:"multiplier" yaml:"multiplier"`
	MaxInterval  time.Duration `mapstructure:"max_interval" toml:"max_interval" yaml:"max_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
}

// DashboardConfig configures the local status server.
type DashboardConfig struct {
	Host string `mapstructure:"host" toml:"host" yaml:"host"`
	Port int    `mapstructure:"port" toml:"port" yaml:"port"`
}

// LogConfig selects where component logs go. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days" yaml:"max_age_days"`
}

// DefaultDataDir returns ~/.fieldsync, or .fieldsync when the home
// directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

var defaults = map[string]any{
	"secret_provider":     ProviderLegacy,
	"remote.timeout":      30 * time.Second,
	"sync.interval":       5 * time.Minute,
	"sync.jitter":         30 * time.Second,
	"sync.cycle_timeout":  2 * time.Minute,
	"retry.base_interval": 5 * time.Second,
	"retry.multiplier":    2.0,
	"retry.max_interval":  time.Hour,
	"retry.max_attempts":  5,
	"dashboard.host":      "127.0.0.1",
	"dashboard.port":      8787,
	"log.max_size_mb":     10,
	"log.max_backups":     3,
	"log.max_age_days":    28,
}

// New returns a viper instance with defaults and environment binding set
// up. dataDir seeds data_dir; empty means DefaultDataDir.
func New(dataDir string) *viper.Viper {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	v := viper.New()
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("legacy_path", "")
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("sync.inbox_dir", "")
	v.SetDefault("log.file", "")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads settings. configFile may be empty, in which case
// fieldsync.{toml,yaml} is looked up in the data directory and a missing
// file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(v.GetString("data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillPaths() {
	if c.LegacyPath == "" {
		c.LegacyPath = filepath.Join(c.DataDir, "legacy.db")
	}
	if c.Sync.InboxDir == "" {
		c.Sync.InboxDir = filepath.Join(c.DataDir, "inbox")
	}
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.SecretProvider {
	case ProviderFile, ProviderLegacy:
	default:
		return fmt.Errorf("unknown secret_provider %q (want %s or %s)", c.SecretProvider, ProviderFile, ProviderLegacy)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	return nil
}

// VaultPath is the encrypted store file.
func (c *Config) VaultPath() string {
	return filepath.Join(c.DataDir, "vault.db")
}

// SecretsDir holds the device secret and salt for the file provider.
func (c *Config) SecretsDir() string {
	return filepath.Join(c.DataDir, "secrets")
}

// Default returns the configuration used when nothing is set.
func Default(dataDir string) (*Config, error) {
	return Load(New(dataDir), "")
}

// WriteDefault writes the default configuration to path as TOML. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path, dataDir string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}

	cfg, err := Default(dataDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := cfg.Encode(f); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c.file())
}

// Package config loads attend settings from attend.yaml, ATTEND_* environment
// variables and built-in defaults, in that order of precedence (environment
// wins over the file).
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/impact7/attend/internal/db"
	"github.com/impact7/attend/internal/drain"
	"github.com/impact7/attend/internal/gateway"
	"github.com/impact7/attend/internal/session"
)

// EnvPrefix is the prefix of environment overrides, e.g. ATTEND_ENDPOINT or
// ATTEND_DRAIN_INTERVAL.
const EnvPrefix = "ATTEND"

// Config is the full set of attend settings.
type Config struct {
	// Endpoint is the GAS web app URL.
	Endpoint string `mapstructure:"endpoint"`

	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db"`

	// LegacyDir holds the exported browser storage, one file per key.
	LegacyDir string `mapstructure:"legacy_dir"`

	Log       LogConfig       `mapstructure:"log"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Drain     DrainConfig     `mapstructure:"drain"`
	Session   SessionConfig   `mapstructure:"session"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// LogConfig selects where logs go. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type OutboxConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
	BatchSize  int `mapstructure:"batch_size"`
}

type DrainConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	FailureDelay time.Duration `mapstructure:"failure_delay"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

type SessionConfig struct {
	PersistDelay time.Duration `mapstructure:"persist_delay"`
	HistoryDelay time.Duration `mapstructure:"history_delay"`
}

type GatewayConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// New returns a viper instance with attend's defaults, search paths and
// environment binding. A non-empty file replaces the search.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("attend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "attend"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "")
	v.SetDefault("db", DefaultDBPath())
	v.SetDefault("legacy_dir", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("outbox.max_retries", db.DefaultMaxRetries)
	v.SetDefault("outbox.batch_size", db.DefaultBatchSize)

	v.SetDefault("drain.interval", 30*time.Second)
	v.SetDefault("drain.failure_delay", 5*time.Second)
	v.SetDefault("drain.backoff_base", time.Second)
	v.SetDefault("drain.max_backoff", time.Minute)

	v.SetDefault("session.persist_delay", session.DefaultPersistDelay)
	v.SetDefault("session.history_delay", session.DefaultHistoryDelay)

	v.SetDefault("gateway.timeout", gateway.DefaultTimeout)

	v.SetDefault("dashboard.addr", "127.0.0.1:7717")
}

// DefaultDBPath is ~/.local/share/attend/attend.db, or attend.db in the
// working directory when there is no home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "attend.db"
	}
	return filepath.Join(home, ".local", "share", "attend", "attend.db")
}

// Load reads the config file, if any, and decodes the result. A missing
// file in the search paths is not an error; a missing explicit file is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode converts the current viper state into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db path is required")
	}
	if c.Outbox.MaxRetries < 1 {
		return fmt.Errorf("config: outbox.max_retries must be at least 1, got %d", c.Outbox.MaxRetries)
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("config: outbox.batch_size must be at least 1, got %d", c.Outbox.BatchSize)
	}
	for name, d := range map[string]time.Duration{
		"drain.interval":        c.Drain.Interval,
		"drain.failure_delay":   c.Drain.FailureDelay,
		"drain.backoff_base":    c.Drain.BackoffBase,
		"session.persist_delay": c.Session.PersistDelay,
		"session.history_delay": c.Session.HistoryDelay,
		"gateway.timeout":       c.Gateway.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", name, d)
		}
	}
	return nil
}

// OutboxOptions returns the store's outbox tuning.
func (c *Config) OutboxOptions() db.OutboxOptions {
	return db.OutboxOptions{MaxRetries: c.Outbox.MaxRetries, BatchSize: c.Outbox.BatchSize}
}

// DrainConfig returns coordinator settings using logger.
func (c *Config) DrainConfig(logger *log.Logger) *drain.Config {
	return &drain.Config{
		Interval:     c.Drain.Interval,
		FailureDelay: c.Drain.FailureDelay,
		BackoffBase:  c.Drain.BackoffBase,
		MaxBackoff:   c.Drain.MaxBackoff,
		BatchSize:    c.Outbox.BatchSize,
		Logger:       logger,
	}
}

// Watch calls fn with the re-decoded config whenever the config file
// changes. Changes that fail to decode are logged and skipped.
func Watch(v *viper.Viper, logger *log.Logger, fn func(*Config, fsnotify.Event)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			logger.Printf("Warning: ignoring config change in %s: %v", e.Name, err)
			return
		}
		logger.Printf("Config reloaded from %s", e.Name)
		fn(cfg, e)
	})
	v.WatchConfig()
}

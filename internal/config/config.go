// Package config loads the supervisor settings and the worker manifest.
//
// Settings are resolved with the following priority (highest first):
// command line flags bound by the CLI, FLEETVISOR_* environment variables,
// the optional settings file, and the defaults below.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultAddress          = ":8080"
	DefaultManifestPath     = "fleetvisor.yaml"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultLogMaxSize       = 100 // MB
	DefaultLogMaxBackups    = 3
	DefaultLogMaxAge        = 7 // days
	DefaultBackoffBase      = 1 * time.Second
	DefaultBackoffMax       = 60 * time.Second
	DefaultBackoffFactor    = 2.0
	DefaultStableAfter      = 30 * time.Second
	DefaultGracePeriod      = 10 * time.Second
	DefaultWatchDebounce    = 500 * time.Millisecond
	DefaultLogBufferSize    = 1000
	DefaultSubscriberBuffer = 256
	DefaultHistorySize      = 20
	DefaultLogsDir          = "logs"
	DefaultRateLimit        = 20.0
	DefaultRateBurst        = 40
)

// Config holds the supervisor settings.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Manifest string        `mapstructure:"manifest"`
	Log      LogConfig     `mapstructure:"log"`
	Restart  RestartConfig `mapstructure:"restart"`
	Stop     StopConfig    `mapstructure:"stop"`
	Watch    WatchConfig   `mapstructure:"watch"`
	Logs     LogsConfig    `mapstructure:"logs"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	// RateLimit caps control requests per second per client; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LogConfig configures the supervisor's own structured log.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`   // empty means stdout only
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// RestartConfig drives the restart policy engine.
type RestartConfig struct {
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	// MaxRestarts is the restart ceiling per worker lineage; 0 means unbounded.
	MaxRestarts int `mapstructure:"max_restarts"`
	// StableAfter resets the backoff once an instance has stayed up this long.
	StableAfter time.Duration `mapstructure:"stable_after"`
}

type StopConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// LogsConfig configures handling of worker output.
type LogsConfig struct {
	Dir              string `mapstructure:"dir"` // empty disables per-worker files
	BufferSize       int    `mapstructure:"buffer_size"`
	Forward          bool   `mapstructure:"forward"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
	HistorySize      int    `mapstructure:"history_size"`
	MaxSize          int    `mapstructure:"max_size"`
	MaxBackups       int    `mapstructure:"max_backups"`
	MaxAge           int    `mapstructure:"max_age"`
}

// Load reads settings from path (optional), the environment and defaults.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, so the CLI can bind
// flags before reading.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("FLEETVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.address", "FLEETVISOR_SERVER_ADDRESS", "SERVER_ADDRESS")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", DefaultAddress)
	v.SetDefault("server.rate_limit", DefaultRateLimit)
	v.SetDefault("server.rate_burst", DefaultRateBurst)
	v.SetDefault("manifest", DefaultManifestPath)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
	v.SetDefault("log.compress", false)

	v.SetDefault("restart.backoff_base", DefaultBackoffBase)
	v.SetDefault("restart.backoff_max", DefaultBackoffMax)
	v.SetDefault("restart.multiplier", DefaultBackoffFactor)
	v.SetDefault("restart.jitter", 0.0)
	v.SetDefault("restart.max_restarts", 0)
	v.SetDefault("restart.stable_after", DefaultStableAfter)

	v.SetDefault("stop.grace_period", DefaultGracePeriod)
	v.SetDefault("watch.debounce", DefaultWatchDebounce)

	v.SetDefault("logs.dir", DefaultLogsDir)
	v.SetDefault("logs.buffer_size", DefaultLogBufferSize)
	v.SetDefault("logs.forward", false)
	v.SetDefault("logs.subscriber_buffer", DefaultSubscriberBuffer)
	v.SetDefault("logs.history_size", DefaultHistorySize)
	v.SetDefault("logs.max_size", DefaultLogMaxSize)
	v.SetDefault("logs.max_backups", DefaultLogMaxBackups)
	v.SetDefault("logs.max_age", DefaultLogMaxAge)
}

// Validate checks values viper cannot reject on its own.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be at least 1")
	}
	if c.Restart.BackoffBase <= 0 {
		return errors.New("restart.backoff_base must be positive")
	}
	if c.Restart.BackoffMax < c.Restart.BackoffBase {
		return errors.New("restart.backoff_max must be >= restart.backoff_base")
	}
	if c.Restart.Multiplier < 1 {
		return errors.New("restart.multiplier must be >= 1")
	}
	if c.Restart.Jitter < 0 || c.Restart.Jitter >= 1 {
		return errors.New("restart.jitter must be in [0, 1)")
	}
	if c.Restart.MaxRestarts < 0 {
		return errors.New("restart.max_restarts must not be negative")
	}
	if c.Stop.GracePeriod <= 0 {
		return errors.New("stop.grace_period must be positive")
	}
	if c.Logs.BufferSize <= 0 {
		return errors.New("logs.buffer_size must be positive")
	}
	if c.Logs.SubscriberBuffer <= 0 {
		return errors.New("logs.subscriber_buffer must be positive")
	}
	if c.Logs.HistorySize < 0 {
		return errors.New("logs.history_size must not be negative")
	}
	return nil
}

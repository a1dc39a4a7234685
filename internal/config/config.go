package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database      DatabaseConfig     `mapstructure:"database"`
	API           APIConfig          `mapstructure:"api"`
	Session       SessionConfig      `mapstructure:"session"`
	Queue         QueueConfig        `mapstructure:"queue"`
	Cache         CacheConfig        `mapstructure:"cache"`
	Sync          SyncConfig         `mapstructure:"sync"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Log           LogConfig          `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
	// KeyFile holds the 32-byte master key used to seal values at rest.
	// Created on first use when missing.
	KeyFile string `mapstructure:"key_file"`
}

type APIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	FeedPath    string        `mapstructure:"feed_path"`
	// AllowLocal permits localhost and private addresses as the base URL.
	AllowLocal bool `mapstructure:"allow_local"`
}

type SessionConfig struct {
	RefreshMargin   time.Duration `mapstructure:"refresh_margin"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout"`
	DefaultTokenTTL time.Duration `mapstructure:"default_token_ttl"`
}

type QueueConfig struct {
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	Prerequisites   []string      `mapstructure:"prerequisites"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
}

type CacheConfig struct {
	MaxEntries    int           `mapstructure:"max_entries"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Persist       bool          `mapstructure:"persist"`
	SearchIndex   bool          `mapstructure:"search_index"`
}

type SyncConfig struct {
	// Interval is the period of background sync cycles; 0 disables them.
	Interval time.Duration `mapstructure:"interval"`
}

type NotificationConfig struct {
	MaxStored int `mapstructure:"max_stored"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".quill")

	return &Config{
		Database: DatabaseConfig{
			Path:    filepath.Join(dataDir, "quill.db"),
			Timeout: 1 * time.Second,
			KeyFile: filepath.Join(dataDir, "store.key"),
		},
		API: APIConfig{
			BaseURL:     "https://api.quill.blog",
			HTTPTimeout: 15 * time.Second,
			UserAgent:   "quill/1.0 (https://github.com/pders01/quill)",
			FeedPath:    "/feed.xml",
		},
		Session: SessionConfig{
			RefreshMargin:   30 * time.Second,
			RefreshTimeout:  10 * time.Second,
			DefaultTokenTTL: 15 * time.Minute,
		},
		Queue: QueueConfig{
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			MaxAttempts:     5,
			DispatchTimeout: 15 * time.Second,
			Prerequisites:   []string{"create_blog"},
			RatePerSecond:   5,
			Burst:           1,
		},
		Cache: CacheConfig{
			MaxEntries:    500,
			MaxBytes:      8 << 20,
			DefaultTTL:    10 * time.Minute,
			SweepInterval: 1 * time.Minute,
			Persist:       true,
			SearchIndex:   true,
		},
		Sync: SyncConfig{
			Interval: 5 * time.Minute,
		},
		Notifications: NotificationConfig{
			MaxStored: 200,
		},
		Log: LogConfig{
			Level: "OFF",
			Path:  filepath.Join(dataDir, "quill.log"),
		},
	}
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		configDir := filepath.Join(homeDir, ".config", "quill")

		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Decoding onto the defaults keeps every key a partial file leaves out.
	config := defaultConfig()
	if v.IsSet("queue.prerequisites") {
		// slices decode element-wise onto the existing value
		config.Queue.Prerequisites = nil
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// envKeys can be overridden as QUILL_<SECTION>_<KEY>.
var envKeys = []string{
	"database.path",
	"database.key_file",
	"api.base_url",
	"api.allow_local",
	"log.level",
	"log.path",
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Queue.MaxAttempts < 1:
		return fmt.Errorf("queue.max_attempts must be at least 1")
	case c.Queue.BaseDelay <= 0:
		return fmt.Errorf("queue.base_delay must be positive")
	case c.Queue.MaxDelay < c.Queue.BaseDelay:
		return fmt.Errorf("queue.max_delay must not be below queue.base_delay")
	case c.Cache.MaxEntries < 1:
		return fmt.Errorf("cache.max_entries must be at least 1")
	case c.Cache.MaxBytes < 1:
		return fmt.Errorf("cache.max_bytes must be at least 1")
	case c.Session.RefreshMargin < 0:
		return fmt.Errorf("session.refresh_margin must not be negative")
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" || path == ":memory:" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Database.KeyFile = expandPath(cfg.Database.KeyFile)
	cfg.Log.Path = expandPath(cfg.Log.Path)
}

func Save(config *Config, path string) error {
	v := viper.New()

	// Durations as strings for TOML readability
	v.Set("database", map[string]interface{}{
		"path":     config.Database.Path,
		"timeout":  config.Database.Timeout.String(),
		"key_file": config.Database.KeyFile,
	})
	v.Set("api", map[string]interface{}{
		"base_url":     config.API.BaseURL,
		"http_timeout": config.API.HTTPTimeout.String(),
		"user_agent":   config.API.UserAgent,
		"feed_path":    config.API.FeedPath,
		"allow_local":  config.API.AllowLocal,
	})
	v.Set("session", map[string]interface{}{
		"refresh_margin":    config.Session.RefreshMargin.String(),
		"refresh_timeout":   config.Session.RefreshTimeout.String(),
		"default_token_ttl": config.Session.DefaultTokenTTL.String(),
	})
	v.Set("queue", map[string]interface{}{
		"base_delay":       config.Queue.BaseDelay.String(),
		"max_delay":        config.Queue.MaxDelay.String(),
		"max_attempts":     config.Queue.MaxAttempts,
		"dispatch_timeout": config.Queue.DispatchTimeout.String(),
		"prerequisites":    config.Queue.Prerequisites,
		"rate_per_second":  config.Queue.RatePerSecond,
		"burst":            config.Queue.Burst,
	})
	v.Set("cache", map[string]interface{}{
		"max_entries":    config.Cache.MaxEntries,
		"max_bytes":      config.Cache.MaxBytes,
		"default_ttl":    config.Cache.DefaultTTL.String(),
		"sweep_interval": config.Cache.SweepInterval.String(),
		"persist":        config.Cache.Persist,
		"search_index":   config.Cache.SearchIndex,
	})
	v.Set("sync", map[string]interface{}{
		"interval": config.Sync.Interval.String(),
	})
	v.Set("notifications", map[string]interface{}{
		"max_stored": config.Notifications.MaxStored,
	})
	v.Set("log", map[string]interface{}{
		"level": config.Log.Level,
		"path":  config.Log.Path,
	})

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}

// DefaultPath is where Load looks first when no path is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "quill", "config.toml")
}

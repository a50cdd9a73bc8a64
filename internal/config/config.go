// Package config loads the application configuration.
//
// Values come from an optional config file in the data directory,
// overridden by RECALL_-prefixed environment variables, overridden by
// flags the CLI binds on top. Everything has a working default so a
// fresh install runs with no configuration at all.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved application configuration.
type Config struct {
	// DataDir holds the catalogs, the device record, and the session file.
	DataDir string `mapstructure:"data_dir"`

	// BlobDir is the content-addressed blob directory.
	BlobDir string `mapstructure:"blob_dir"`

	// ServerURL is the sync server base URL.
	ServerURL string `mapstructure:"server_url"`

	// FeedURL is the realtime feed websocket endpoint. Empty derives it
	// from ServerURL.
	FeedURL string `mapstructure:"feed_url"`

	// DeviceName and DeviceType label this installation on first run.
	DeviceName string `mapstructure:"device_name"`
	DeviceType string `mapstructure:"device_type"`

	Flush FlushConfig `mapstructure:"flush"`
	Log   LogConfig   `mapstructure:"log"`

	// WipeWait bounds the wait for server blob metadata after a wipe
	// sign-in.
	WipeWait time.Duration `mapstructure:"wipe_wait"`

	// WatchDebounce batches blob directory events into one rescan.
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

// FlushConfig tunes the background flush worker.
type FlushConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Interval      time.Duration `mapstructure:"interval"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// LogConfig tunes the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall-sync"
	}
	return filepath.Join(home, ".recall-sync")
}

// Load reads configuration. dataDir overrides the data directory when
// non-empty; the config file, if any, is <data_dir>/config.yaml.
func Load(dataDir string) (Config, error) {
	v := viper.New()

	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	v.SetDefault("data_dir", dataDir)
	v.SetDefault("blob_dir", filepath.Join(dataDir, "blobs"))
	v.SetDefault("server_url", "http://localhost:8787")
	v.SetDefault("feed_url", "")
	v.SetDefault("device_name", hostname())
	v.SetDefault("device_type", "desktop")
	v.SetDefault("flush.batch_size", 50)
	v.SetDefault("flush.max_retries", 5)
	v.SetDefault("flush.interval", 30*time.Second)
	v.SetDefault("flush.retry_delay", 2*time.Second)
	v.SetDefault("flush.max_retry_delay", 5*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", filepath.Join(dataDir, "recall-sync.log"))
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("wipe_wait", 10*time.Second)
	v.SetDefault("watch_debounce", 500*time.Millisecond)

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is the normal case.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if cfg.FeedURL == "" {
		cfg.FeedURL = deriveFeedURL(cfg.ServerURL)
	}
	return cfg, nil
}

// deriveFeedURL maps an http(s) base URL to its ws(s) feed endpoint.
func deriveFeedURL(serverURL string) string {
	feed := serverURL
	switch {
	case strings.HasPrefix(feed, "https://"):
		feed = "wss://" + strings.TrimPrefix(feed, "https://")
	case strings.HasPrefix(feed, "http://"):
		feed = "ws://" + strings.TrimPrefix(feed, "http://")
	}
	return strings.TrimRight(feed, "/") + "/api/feed"
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "recall-device"
	}
	return name
}

// Package config loads server and worker configuration from the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete server configuration
type Config struct {
	HTTPPort          int           `mapstructure:"httpPort"`
	WorkerMetricsPort int           `mapstructure:"workerMetricsPort"`
	StorageRoot       string        `mapstructure:"storageRoot"`
	HeadsInterval     time.Duration `mapstructure:"headsInterval"`
	MaxUploadSize     int64         `mapstructure:"maxUploadSize"`
	GitserverURL      string        `mapstructure:"gitserverUrl"`

	Cache CacheConfig `mapstructure:"cache"`
	Queue QueueConfig `mapstructure:"queue"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// CacheConfig contains entry capacities for the three query-side caches
type CacheConfig struct {
	ConnectionCapacity  int `mapstructure:"connectionCapacity"`
	DocumentCapacity    int `mapstructure:"documentCapacity"`
	ResultChunkCapacity int `mapstructure:"resultChunkCapacity"`
}

// QueueConfig contains retry policy for the durable job queue
type QueueConfig struct {
	WorkerCount    int           `mapstructure:"workerCount"`
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	BackoffBase    time.Duration `mapstructure:"backoffBase"`
	BackoffCeiling time.Duration `mapstructure:"backoffCeiling"`
	JobTimeout     time.Duration `mapstructure:"jobTimeout"`
	StaleDeadline  time.Duration `mapstructure:"staleDeadline"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTPPort:          3186,
		WorkerMetricsPort: 3187,
		StorageRoot:       "lsif-storage",
		HeadsInterval:     30 * time.Second,
		MaxUploadSize:     500 * 1024 * 1024,
		Cache: CacheConfig{
			ConnectionCapacity:  100,
			DocumentCapacity:    1024,
			ResultChunkCapacity: 1024,
		},
		Queue: QueueConfig{
			WorkerCount:    1,
			MaxAttempts:    10,
			BackoffBase:    time.Second,
			BackoffCeiling: 5 * time.Minute,
			JobTimeout:     30 * time.Minute,
			StaleDeadline:  time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the environment on top of defaults.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("httpPort", 3186)
	v.SetDefault("workerMetricsPort", 3187)
	v.SetDefault("storageRoot", "lsif-storage")
	v.SetDefault("headsInterval", 30*time.Second)
	v.SetDefault("maxUploadSize", int64(500*1024*1024))
	v.SetDefault("cache.connectionCapacity", 100)
	v.SetDefault("cache.documentCapacity", 1024)
	v.SetDefault("cache.resultChunkCapacity", 1024)
	v.SetDefault("queue.workerCount", 1)
	v.SetDefault("queue.maxAttempts", 10)
	v.SetDefault("queue.backoffBase", time.Second)
	v.SetDefault("queue.backoffCeiling", 5*time.Minute)
	v.SetDefault("queue.jobTimeout", 30*time.Minute)
	v.SetDefault("queue.staleDeadline", time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Bind the documented environment names onto config keys.
	bindings := map[string]string{
		"httpPort":          "HTTP_PORT",
		"workerMetricsPort": "WORKER_METRICS_PORT",
		"storageRoot":       "LSIF_STORAGE_ROOT",
		"headsInterval":     "HEADS_JOB_SCHEDULE_INTERVAL",
		"maxUploadSize":     "LSIF_MAX_UPLOAD_SIZE",
		"gitserverUrl":      "GITSERVER_URL",
		"logging.level":     "LOG_LEVEL",
		"logging.format":    "LOG_FORMAT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	v.SetEnvPrefix("LSIF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious misconfiguration.
func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	if c.WorkerMetricsPort <= 0 || c.WorkerMetricsPort > 65535 {
		return fmt.Errorf("invalid WORKER_METRICS_PORT: %d", c.WorkerMetricsPort)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("LSIF_STORAGE_ROOT must not be empty")
	}
	if c.HeadsInterval <= 0 {
		return fmt.Errorf("HEADS_JOB_SCHEDULE_INTERVAL must be positive")
	}
	if c.Cache.ConnectionCapacity <= 0 || c.Cache.DocumentCapacity <= 0 || c.Cache.ResultChunkCapacity <= 0 {
		return fmt.Errorf("cache capacities must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue maxAttempts must be positive")
	}
	return nil
}

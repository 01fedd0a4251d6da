// Package config loads daemon configuration from YAML, .env files and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/sync"
	"github.com/kimhsiao/shelfsync/internal/sync/conflict"
	"github.com/kimhsiao/shelfsync/internal/sync/s3"
)

// ProviderMemory keeps the remote in process. It is the default and is meant
// for local trials; everything is lost on exit.
const ProviderMemory = "memory"

// DefaultQuotaBytes mirrors the capacity of a typical device key-value store.
const DefaultQuotaBytes = 5 << 20

// Config is the daemon configuration.
type Config struct {
	DataDir string        `yaml:"dataDir"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Retry   RetryConfig   `yaml:"retry"`
	API     APIConfig     `yaml:"api"`
}

// APIConfig configures the local status server. An empty Listen disables it.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig maps onto logging.Options.
type LogConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig configures the local substrate.
type StorageConfig struct {
	QuotaBytes int64 `yaml:"quotaBytes"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Provider          string        `yaml:"provider"`
	Endpoint          string        `yaml:"endpoint"`
	AccountID         string        `yaml:"accountId"`
	Bucket            string        `yaml:"bucket"`
	AccessKey         string        `yaml:"accessKey"`
	SecretKey         string        `yaml:"secretKey"`
	Region            string        `yaml:"region"`
	UseSSL            bool          `yaml:"useSsl"`
	Prefix            string        `yaml:"prefix"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// SyncConfig configures the engine.
type SyncConfig struct {
	RemoteID          string        `yaml:"remoteId"`
	Strategy          string        `yaml:"strategy"`
	ConflictWindow    time.Duration `yaml:"conflictWindow"`
	AutoSync          bool          `yaml:"autoSync"`
	SyncInterval      time.Duration `yaml:"syncInterval"`
	QueueInterval     time.Duration `yaml:"queueInterval"`
	SettleDelay       time.Duration `yaml:"settleDelay"`
	ForegroundDelay   time.Duration `yaml:"foregroundDelay"`
	QueueMaxSize      int           `yaml:"queueMaxSize"`
	ReplaceDuplicates bool          `yaml:"replaceDuplicates"`
}

// RetryConfig configures the retry executor.
type RetryConfig struct {
	BaseDelay      time.Duration  `yaml:"baseDelay"`
	MaxDelay       time.Duration  `yaml:"maxDelay"`
	Jitter         float64        `yaml:"jitter"`
	AttemptTimeout time.Duration  `yaml:"attemptTimeout"`
	MaxRetries     map[string]int `yaml:"maxRetries"`
}

// DefaultConfig returns a config that runs against the in-memory remote.
func DefaultConfig() *Config {
	engine := sync.DefaultConfig()
	return &Config{
		DataDir: "./data",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Storage: StorageConfig{QuotaBytes: DefaultQuotaBytes},
		Remote: RemoteConfig{
			Provider: ProviderMemory,
			Prefix:   "collections/",
			Timeout:  30 * time.Second,
		},
		Sync: SyncConfig{
			Strategy:          string(engine.Strategy),
			ConflictWindow:    engine.ConflictWindow,
			AutoSync:          true,
			SyncInterval:      engine.SyncInterval,
			QueueInterval:     engine.QueueInterval,
			SettleDelay:       engine.SettleDelay,
			ForegroundDelay:   engine.ForegroundDelay,
			QueueMaxSize:      engine.Queue.MaxSize,
			ReplaceDuplicates: engine.Queue.ReplaceDuplicates,
		},
		API: APIConfig{Listen: "127.0.0.1:8090"},
		Retry: RetryConfig{
			BaseDelay:      engine.Retry.BaseDelay,
			MaxDelay:       engine.Retry.MaxDelay,
			Jitter:         engine.Retry.Jitter,
			AttemptTimeout: engine.Retry.AttemptTimeout,
			MaxRetries:     copyCeilings(engine.Retry.MaxRetries),
		},
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return ErrMissingDataDir
	}
	if c.Storage.QuotaBytes < 0 {
		return ErrInvalidQuota
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if !c.IsMemoryRemote() {
		provider, err := s3.ParseProvider(c.Remote.Provider)
		if err != nil {
			return ErrInvalidProvider
		}
		if c.Remote.Bucket == "" {
			return ErrMissingBucket
		}
		if c.Remote.AccessKey == "" || c.Remote.SecretKey == "" {
			return ErrMissingCredentials
		}
		switch provider {
		case s3.ProviderMinIO:
			if c.Remote.Endpoint == "" {
				return ErrMissingEndpoint
			}
		case s3.ProviderR2:
			if c.Remote.AccountID == "" {
				return ErrMissingAccountID
			}
		}
	}

	if _, err := conflict.ParseStrategy(c.Sync.Strategy); err != nil {
		return ErrInvalidStrategy
	}
	for name, d := range map[string]time.Duration{
		"sync.conflictWindow": c.Sync.ConflictWindow,
		"sync.syncInterval":   c.Sync.SyncInterval,
		"sync.queueInterval":  c.Sync.QueueInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidDuration, name)
		}
	}
	return nil
}

// IsMemoryRemote reports whether the in-process remote is selected.
func (c *Config) IsMemoryRemote() bool {
	p := strings.ToLower(strings.TrimSpace(c.Remote.Provider))
	return p == "" || p == ProviderMemory
}

// LogOptions converts the log section.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Pretty:     c.Log.Pretty,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// S3 converts the remote section into provider settings.
func (c *Config) S3() (s3.Config, error) {
	provider, err := s3.ParseProvider(c.Remote.Provider)
	if err != nil {
		return s3.Config{}, err
	}
	return s3.Config{
		Provider:   provider,
		Endpoint:   c.Remote.Endpoint,
		AccountID:  c.Remote.AccountID,
		BucketName: c.Remote.Bucket,
		AccessKey:  c.Remote.AccessKey,
		SecretKey:  c.Remote.SecretKey,
		Region:     c.Remote.Region,
		UseSSL:     c.Remote.UseSSL,
		Tuning: s3.Tuning{
			Prefix:            c.Remote.Prefix,
			RequestsPerSecond: c.Remote.RequestsPerSecond,
			Burst:             c.Remote.Burst,
			Timeout:           c.Remote.Timeout,
		},
	}, nil
}

// Engine converts the sync and retry sections into engine settings.
// Zero values fall back to the engine defaults.
func (c *Config) Engine() sync.Config {
	cfg := sync.DefaultConfig()
	cfg.RemoteID = c.Sync.RemoteID
	if s, err := conflict.ParseStrategy(c.Sync.Strategy); err == nil {
		cfg.Strategy = s
	}
	cfg.AutoSync = c.Sync.AutoSync
	setDuration(&cfg.ConflictWindow, c.Sync.ConflictWindow)
	setDuration(&cfg.SyncInterval, c.Sync.SyncInterval)
	setDuration(&cfg.QueueInterval, c.Sync.QueueInterval)
	setDuration(&cfg.SettleDelay, c.Sync.SettleDelay)
	setDuration(&cfg.ForegroundDelay, c.Sync.ForegroundDelay)

	if c.Sync.QueueMaxSize > 0 {
		cfg.Queue.MaxSize = c.Sync.QueueMaxSize
	}
	cfg.Queue.ReplaceDuplicates = c.Sync.ReplaceDuplicates

	setDuration(&cfg.Retry.BaseDelay, c.Retry.BaseDelay)
	setDuration(&cfg.Retry.MaxDelay, c.Retry.MaxDelay)
	setDuration(&cfg.Retry.AttemptTimeout, c.Retry.AttemptTimeout)
	if c.Retry.Jitter > 0 {
		cfg.Retry.Jitter = c.Retry.Jitter
	}
	for op, n := range c.Retry.MaxRetries {
		cfg.Retry.MaxRetries[op] = n
	}
	return cfg
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func copyCeilings(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

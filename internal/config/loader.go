package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHELFSYNC_"

// Load builds a Config from defaults, the YAML file at path (optional) and
// SHELFSYNC_* environment variables, in that order.
// Validation is deferred so callers can apply flag overrides first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment. Variables
// that are already set win. A missing default ".env" is not an error; a
// missing explicit path is.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && stderrors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// loadFromFile decodes YAML over the defaults already in cfg.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies SHELFSYNC_* variables.
func applyEnvironmentOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DATA_DIR":        &cfg.DataDir,
		"LOG_LEVEL":       &cfg.Log.Level,
		"LOG_FILE":        &cfg.Log.File,
		"REMOTE_PROVIDER": &cfg.Remote.Provider,
		"S3_ENDPOINT":     &cfg.Remote.Endpoint,
		"S3_BUCKET":       &cfg.Remote.Bucket,
		"S3_REGION":       &cfg.Remote.Region,
		"S3_ACCESS_KEY":   &cfg.Remote.AccessKey,
		"S3_SECRET_KEY":   &cfg.Remote.SecretKey,
		"S3_PREFIX":       &cfg.Remote.Prefix,
		"R2_ACCOUNT_ID":   &cfg.Remote.AccountID,
		"REMOTE_ID":       &cfg.Sync.RemoteID,
		"STRATEGY":        &cfg.Sync.Strategy,
		"API_LISTEN":      &cfg.API.Listen,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"LOG_PRETTY": &cfg.Log.Pretty,
		"S3_USE_SSL": &cfg.Remote.UseSSL,
		"AUTO_SYNC":  &cfg.Sync.AutoSync,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"SYNC_INTERVAL":   &cfg.Sync.SyncInterval,
		"QUEUE_INTERVAL":  &cfg.Sync.QueueInterval,
		"CONFLICT_WINDOW": &cfg.Sync.ConflictWindow,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("QUOTA_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sQUOTA_BYTES: %w", EnvPrefix, err)
		}
		cfg.Storage.QuotaBytes = n
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

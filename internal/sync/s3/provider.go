// Package s3 provides S3-compatible storage provider presets for the sync remote.
package s3

import (
	"strings"
	"time"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/sync"
)

// Provider names a supported S3-compatible service.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderMinIO Provider = "minio"
	ProviderR2    Provider = "r2"
)

// ParseProvider normalizes a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderAWS, ProviderMinIO, ProviderR2:
		return p, nil
	default:
		return "", errors.Newf(errors.ErrValidation, "unknown storage provider %q", s)
	}
}

// Tuning holds the provider-independent client settings.
type Tuning struct {
	Prefix            string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

func (t Tuning) apply(c *sync.S3Config) *sync.S3Config {
	c.Prefix = t.Prefix
	c.RequestsPerSecond = t.RequestsPerSecond
	c.Burst = t.Burst
	c.Timeout = t.Timeout
	return c
}

// Config selects a provider and carries the union of provider settings.
type Config struct {
	Provider   Provider
	Endpoint   string // minio; optional override for aws
	AccountID  string // r2
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool // minio
	Tuning
}

// New builds a client for cfg.Provider.
func New(cfg Config, opts ...sync.S3Option) (*sync.S3Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New(errors.ErrValidation, "bucket name is required")
	}

	switch cfg.Provider {
	case ProviderAWS:
		if cfg.Endpoint != "" {
			return sync.NewS3Client(cfg.Tuning.apply(&sync.S3Config{
				Endpoint:   cfg.Endpoint,
				BucketName: cfg.BucketName,
				AccessKey:  cfg.AccessKey,
				SecretKey:  cfg.SecretKey,
				Region:     cfg.Region,
			}), opts...), nil
		}
		return NewAWSClient(&AWSConfig{
			BucketName: cfg.BucketName,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			Region:     cfg.Region,
			Tuning:     cfg.Tuning,
		}, opts...), nil
	case ProviderMinIO:
		endpoint, err := ParseMinIOEndpoint(cfg.Endpoint, cfg.UseSSL)
		if err != nil {
			return nil, err
		}
		return NewMinIOClient(&MinIOConfig{
			Endpoint:   endpoint,
			BucketName: cfg.BucketName,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			UseSSL:     cfg.UseSSL,
			Tuning:     cfg.Tuning,
		}, opts...), nil
	case ProviderR2:
		return NewR2Client(&R2Config{
			AccountID:  cfg.AccountID,
			BucketName: cfg.BucketName,
			AccessKey:  cfg.AccessKey,
			SecretKey:  cfg.SecretKey,
			Tuning:     cfg.Tuning,
		}, opts...)
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown storage provider %q", cfg.Provider)
	}
}

package config

import "errors"

var (
	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file is not valid YAML
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrMissingDataDir indicates that no data directory is configured
	ErrMissingDataDir = errors.New("dataDir is required")

	// ErrInvalidProvider indicates an unsupported remote provider
	ErrInvalidProvider = errors.New("remote.provider must be one of memory, aws, minio, r2")

	// ErrMissingBucket indicates that an S3 provider has no bucket
	ErrMissingBucket = errors.New("remote.bucket is required for S3 providers")

	// ErrMissingCredentials indicates that an S3 provider has no access key pair
	ErrMissingCredentials = errors.New("remote.accessKey and remote.secretKey are required for S3 providers")

	// ErrMissingEndpoint indicates that minio has no endpoint
	ErrMissingEndpoint = errors.New("remote.endpoint is required for minio")

	// ErrMissingAccountID indicates that r2 has no account id
	ErrMissingAccountID = errors.New("remote.accountId is required for r2")

	// ErrInvalidStrategy indicates an unknown conflict strategy
	ErrInvalidStrategy = errors.New("sync.strategy must be one of manual, keep-local, keep-remote, merge")

	// ErrInvalidDuration indicates a non-positive interval or window
	ErrInvalidDuration = errors.New("durations must be positive")

	// ErrInvalidQuota indicates a negative storage quota
	ErrInvalidQuota = errors.New("storage.quotaBytes must not be negative")
)

package s3

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/sync"
)

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint   string // "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool // Used only when Endpoint has no scheme
	Tuning
}

// NewMinIOClient creates an S3 client configured for MinIO.
// MinIO requires path-style URLs (endpoint/bucket/key).
func NewMinIOClient(config *MinIOConfig, opts ...sync.S3Option) *sync.S3Client {
	endpoint := withScheme(config.Endpoint, config.UseSSL)

	return sync.NewS3Client(config.Tuning.apply(&sync.S3Config{
		Endpoint:       endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "us-east-1", // MinIO ignores regions but SigV4 needs one
		ForcePathStyle: true,
	}), opts...)
}

// MinIODefaultCredentials returns the default MinIO credentials.
// Only for local development.
func MinIODefaultCredentials() (accessKey, secretKey string) {
	return "minioadmin", "minioadmin"
}

// MinIOLocalEndpoint returns the default local MinIO endpoint.
func MinIOLocalEndpoint() string {
	return "localhost:9000"
}

// MinIOHealthCheckURL returns the liveness URL for a MinIO server.
func MinIOHealthCheckURL(endpoint string, useSSL bool) string {
	return fmt.Sprintf("%s/minio/health/live", withScheme(endpoint, useSSL))
}

// IsMinIOEndpoint is a heuristic based on common MinIO deployments.
func IsMinIOEndpoint(endpoint string) bool {
	lower := strings.ToLower(endpoint)
	if strings.Contains(lower, "amazonaws.com") {
		return false
	}
	for _, indicator := range []string{"minio", ":9000", ":9001"} {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// ParseMinIOEndpoint validates endpoint and returns it with a scheme.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", errors.New(errors.ErrValidation, "minio endpoint cannot be empty")
	}
	return withScheme(endpoint, useSSL), nil
}

func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

package s3

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/sync"
)

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string // R2 API token access key id
	SecretKey  string
	Tuning
}

// NewR2Client creates an S3 client configured for Cloudflare R2.
// The endpoint is https://<accountid>.r2.cloudflarestorage.com.
func NewR2Client(config *R2Config, opts ...sync.S3Option) (*sync.S3Client, error) {
	if config.AccountID == "" {
		return nil, errors.New(errors.ErrValidation, "R2 account id is required")
	}

	return sync.NewS3Client(config.Tuning.apply(&sync.S3Config{
		Endpoint:       R2EndpointForAccount(config.AccountID),
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "auto",
		ForcePathStyle: false,
	}), opts...), nil
}

// R2EndpointForAccount returns the R2 endpoint for a given account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a 32-character hex id.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	return strings.Trim(accountID, "0123456789abcdefABCDEF") == ""
}

// R2S3URL returns the S3 API URL for an object.
func R2S3URL(accountID, bucket, key string) string {
	return fmt.Sprintf("https://%s.%s/%s", bucket, R2EndpointForAccount(accountID), key)
}

package s3

import (
	"fmt"
	"slices"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/sync"
)

// DefaultAWSRegion is used when AWSConfig.Region is empty. Its endpoint is
// the global s3.amazonaws.com host.
const DefaultAWSRegion = "us-east-1"

// awsRegions are the regions validated for collection buckets, sorted.
var awsRegions = []string{
	"ap-northeast-1", "ap-northeast-2", "ap-south-1", "ap-southeast-1", "ap-southeast-2",
	"ca-central-1",
	"eu-central-1", "eu-north-1", "eu-west-1", "eu-west-2", "eu-west-3",
	"sa-east-1",
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
}

// AWSConfig selects an AWS bucket for the shared collection document.
// Tuning carries the object key prefix and request pacing.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string
	Tuning
}

// NewAWSClient returns a remote store addressing the bucket virtual-host style
// (<bucket>.s3.<region>.amazonaws.com). Regions outside the validated list
// still get the regional endpoint.
func NewAWSClient(config *AWSConfig, opts ...sync.S3Option) *sync.S3Client {
	region := config.Region
	if region == "" {
		region = DefaultAWSRegion
	}

	return sync.NewS3Client(config.Tuning.apply(&sync.S3Config{
		Endpoint:   awsEndpoint(region),
		BucketName: config.BucketName,
		AccessKey:  config.AccessKey,
		SecretKey:  config.SecretKey,
		Region:     region,
	}), opts...)
}

func awsEndpoint(region string) string {
	if region == DefaultAWSRegion {
		return "s3.amazonaws.com"
	}
	return fmt.Sprintf("s3.%s.amazonaws.com", region)
}

// AWSEndpointForRegion returns the endpoint of a validated region.
func AWSEndpointForRegion(region string) (string, error) {
	if !IsSupportedAWSRegion(region) {
		return "", errors.Newf(errors.ErrValidation, "unknown AWS region %q", region)
	}
	return awsEndpoint(region), nil
}

func IsSupportedAWSRegion(region string) bool {
	_, ok := slices.BinarySearch(awsRegions, region)
	return ok
}

// SupportedAWSRegions returns a copy of the validated regions, sorted.
func SupportedAWSRegions() []string {
	return slices.Clone(awsRegions)
}

package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/errors"
)

func TestParseProvider(t *testing.T) {
	for in, want := range map[string]Provider{"aws": ProviderAWS, " MinIO ": ProviderMinIO, "R2": ProviderR2} {
		got, err := ParseProvider(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseProvider("gcs")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestNew(t *testing.T) {
	tuning := Tuning{Prefix: "p/", Burst: 2}

	tests := []struct {
		name         string
		cfg          Config
		wantEndpoint string
		wantPath     bool
		wantErr      bool
	}{
		{
			name:         "aws",
			cfg:          Config{Provider: ProviderAWS, BucketName: "b", Region: "eu-west-1", Tuning: tuning},
			wantEndpoint: "s3.eu-west-1.amazonaws.com",
		},
		{
			name:         "aws with endpoint override",
			cfg:          Config{Provider: ProviderAWS, BucketName: "b", Endpoint: "http://localhost:4566", Tuning: tuning},
			wantEndpoint: "http://localhost:4566",
		},
		{
			name:         "minio",
			cfg:          Config{Provider: ProviderMinIO, BucketName: "b", Endpoint: "localhost:9000", Tuning: tuning},
			wantEndpoint: "http://localhost:9000",
			wantPath:     true,
		},
		{
			name:         "r2",
			cfg:          Config{Provider: ProviderR2, BucketName: "b", AccountID: testAccountID, Tuning: tuning},
			wantEndpoint: testAccountID + ".r2.cloudflarestorage.com",
		},
		{name: "minio without endpoint", cfg: Config{Provider: ProviderMinIO, BucketName: "b"}, wantErr: true},
		{name: "r2 without account", cfg: Config{Provider: ProviderR2, BucketName: "b"}, wantErr: true},
		{name: "missing bucket", cfg: Config{Provider: ProviderAWS}, wantErr: true},
		{name: "unknown provider", cfg: Config{Provider: "gcs", BucketName: "b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrValidation))
				return
			}
			require.NoError(t, err)

			cfg := client.Config()
			assert.Equal(t, tt.wantEndpoint, cfg.Endpoint)
			assert.Equal(t, tt.wantPath, cfg.ForcePathStyle)
			assert.Equal(t, "p/", cfg.Prefix)
			assert.Equal(t, 2, cfg.Burst)
		})
	}
}

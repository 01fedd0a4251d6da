package s3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/errors"
)

func TestNewMinIOClient(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		useSSL   bool
		expected string
	}{
		{"local without ssl", "localhost:9000", false, "http://localhost:9000"},
		{"remote with ssl", "minio.example.com", true, "https://minio.example.com"},
		{"explicit scheme wins", "http://minio.example.com/", true, "http://minio.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewMinIOClient(&MinIOConfig{
				Endpoint:   tt.endpoint,
				BucketName: "shelf",
				UseSSL:     tt.useSSL,
			}).Config()
			assert.Equal(t, tt.expected, cfg.Endpoint)
			assert.True(t, cfg.ForcePathStyle)
			assert.Equal(t, "us-east-1", cfg.Region)
		})
	}
}

func TestMinIOClientUsesPathStyle(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	access, secret := MinIODefaultCredentials()
	client := NewMinIOClient(&MinIOConfig{
		Endpoint:   server.URL,
		BucketName: "shelf",
		AccessKey:  access,
		SecretKey:  secret,
		Tuning:     Tuning{Prefix: "collections/", RequestsPerSecond: -1},
	})

	require.NoError(t, client.Write(context.Background(), "col-1", []byte(`{}`)))
	assert.Equal(t, "/shelf/collections/col-1.json", gotPath)
}

func TestMinIODefaults(t *testing.T) {
	access, secret := MinIODefaultCredentials()
	assert.Equal(t, "minioadmin", access)
	assert.Equal(t, "minioadmin", secret)
	assert.Equal(t, "localhost:9000", MinIOLocalEndpoint())
}

func TestMinIOHealthCheckURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9000/minio/health/live", MinIOHealthCheckURL("localhost:9000", false))
	assert.Equal(t, "https://minio.example.com/minio/health/live", MinIOHealthCheckURL("minio.example.com", true))
}

func TestIsMinIOEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:9000":           true,
		"minio.example.com":        true,
		"storage.local:9001":       true,
		"s3.amazonaws.com":         false,
		"minio.s3.amazonaws.com":   false,
		"storage.example.com:8080": false,
	}
	for endpoint, want := range tests {
		assert.Equal(t, want, IsMinIOEndpoint(endpoint), endpoint)
	}
}

func TestParseMinIOEndpoint(t *testing.T) {
	got, err := ParseMinIOEndpoint("localhost:9000/", false)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", got)

	_, err = ParseMinIOEndpoint("  ", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

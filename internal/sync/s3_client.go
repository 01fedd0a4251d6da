// Package sync provides the offline-first sync engine and its S3-compatible remote.
package sync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/sync/retry"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 5
	maxErrorBody             = 4 << 10

	signingAlgorithm = "AWS4-HMAC-SHA256"
)

// S3Config holds S3 connection configuration.
type S3Config struct {
	Endpoint       string // host or URL; https is assumed when no scheme is given
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool   // Use path-style URLs (minio, localstack)
	Prefix         string // Object key prefix, e.g. "collections/"

	RequestsPerSecond float64 // Client-side pacing, zero uses the default, negative disables
	Burst             int
	Timeout           time.Duration
}

// S3Client implements RemoteStore for S3-compatible storage.
type S3Client struct {
	config     *S3Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
	log        *logging.Logger
}

var _ RemoteStore = (*S3Client)(nil)

// S3Option configures an S3Client.
type S3Option func(*S3Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) S3Option {
	return func(c *S3Client) { c.httpClient = h }
}

// WithS3Clock replaces the signing clock.
func WithS3Clock(now func() time.Time) S3Option {
	return func(c *S3Client) { c.now = now }
}

// WithS3Logger overrides the logger.
func WithS3Logger(l *logging.Logger) S3Option {
	return func(c *S3Client) { c.log = l }
}

// NewS3Client creates a new S3Client.
func NewS3Client(config *S3Config, opts ...S3Option) *S3Client {
	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")

	limit := rate.Limit(cfg.RequestsPerSecond)
	switch {
	case cfg.RequestsPerSecond < 0:
		limit = rate.Inf
	case cfg.RequestsPerSecond == 0:
		limit = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	c := &S3Client{
		config: &cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Get().With(map[string]interface{}{"component": "s3"})
	}
	return c
}

// Config returns a copy of the effective configuration.
func (c *S3Client) Config() S3Config {
	return *c.config
}

// ObjectKey returns the object key for a collection id.
func (c *S3Client) ObjectKey(id string) string {
	return c.config.Prefix + id + ".json"
}

// Exists issues a HEAD for the collection document.
func (c *S3Client) Exists(ctx context.Context, id string) (bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.ObjectKey(id), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, c.responseError("exists", c.ObjectKey(id), resp)
	}
}

// Read downloads the collection document.
func (c *S3Client) Read(ctx context.Context, id string) ([]byte, error) {
	key := c.ObjectKey(id)
	resp, err := c.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.responseError("read", key, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read response body", err)
	}
	return data, nil
}

// Write uploads the collection document.
func (c *S3Client) Write(ctx context.Context, id string, data []byte) error {
	key := c.ObjectKey(id)
	resp, err := c.do(ctx, http.MethodPut, key, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.responseError("write", key, resp)
	}
	return nil
}

// do paces, signs and sends one request.
func (c *S3Client) do(ctx context.Context, method, key string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(errors.ErrRateLimited, "client rate limit", err)
	}

	req, err := c.createRequest(ctx, method, key, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", method, key, ctx.Err())
		}
		return nil, errors.Wrap(errors.ErrNetwork, fmt.Sprintf("%s %s request failed", method, key), err)
	}

	c.log.Debug("S3 request completed", map[string]interface{}{
		"method": method,
		"key":    key,
		"status": resp.StatusCode,
	})
	return resp, nil
}

// responseError maps a non-success response to the error taxonomy.
func (c *S3Client) responseError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &errors.StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}

	code := errors.ErrSyncFailed
	switch {
	case resp.StatusCode == http.StatusNotFound:
		code = errors.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		code = errors.ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		code = errors.ErrAccessDenied
	case resp.StatusCode == http.StatusTooManyRequests:
		code = errors.ErrRateLimited
	case resp.StatusCode >= 500:
		code = errors.ErrServiceUnavailable
	}
	return errors.Wrap(code, fmt.Sprintf("%s %s", op, key), statusErr)
}

// objectURL returns the request URL and the canonical URI used for signing.
func (c *S3Client) objectURL(key string) (string, string, string) {
	scheme, host := "https", c.config.Endpoint
	if i := strings.Index(host, "://"); i >= 0 {
		scheme, host = host[:i], host[i+3:]
	}

	escapedKey := escapePath(key)
	if c.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		uri := "/" + escapePath(c.config.BucketName) + "/" + escapedKey
		return scheme + "://" + host + uri, host, uri
	}
	// Virtual-host-style: http://bucket.endpoint/key
	host = c.config.BucketName + "." + host
	uri := "/" + escapedKey
	return scheme + "://" + host + uri, host, uri
}

// createRequest creates an S3 request with SigV4 authentication.
func (c *S3Client) createRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	urlStr, host, canonicalURI := c.objectURL(key)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	req.Host = host

	amzDate := c.now().UTC().Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(len(body))
	}

	headers := map[string]string{
		"host":                 host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	req.Header.Set("Authorization", c.calculateAuthorization(method, canonicalURI, amzDate, payloadHash, headers))
	return req, nil
}

// calculateAuthorization calculates the AWS V4 signature authorization header.
func (c *S3Client) calculateAuthorization(method, canonicalURI, amzDate, payloadHash string, headers map[string]string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name + ":" + strings.TrimSpace(headers[name]) + "\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		"",
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		signingAlgorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signingAlgorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// escapePath percent-encodes every byte outside the unreserved set, keeping '/'.
func escapePath(p string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		ch := p[i]
		if ch == '/' || ch == '-' || ch == '_' || ch == '.' || ch == '~' ||
			(ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[ch>>4])
		b.WriteByte(hexDigits[ch&0x0f])
	}
	return b.String()
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}

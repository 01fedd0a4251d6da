// Package retry classifies remote failures and retries the transient ones
// with capped exponential backoff.
package retry

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kimhsiao/shelfsync/internal/errors"
)

// Category is the failure class of an error.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryPermission     Category = "permission"
	CategoryRateLimit      Category = "rate_limit"
	CategoryNotFound       Category = "not_found"
	CategoryServerError    Category = "server_error"
	CategoryUnknown        Category = "unknown"
)

// Categories lists every category.
var Categories = []Category{
	CategoryNetwork, CategoryTimeout, CategoryAuthentication, CategoryPermission,
	CategoryRateLimit, CategoryNotFound, CategoryServerError, CategoryUnknown,
}

// Retryable reports whether failures of this category are transient.
func (c Category) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryServerError:
		return true
	case CategoryAuthentication, CategoryPermission, CategoryNotFound, CategoryUnknown:
		return false
	}
	return false
}

// Classify maps err to a category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var exhausted *ExhaustedError
	if stderrors.As(err, &exhausted) {
		return Classify(exhausted.Err)
	}

	var statusErr *errors.StatusError
	if stderrors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if c, ok := classifyCode(err); ok {
		return c
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return CategoryUnknown
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var urlErr *url.Error
	if stderrors.As(err, &dnsErr) || stderrors.As(err, &opErr) || stderrors.As(err, &urlErr) ||
		stderrors.Is(err, syscall.ECONNREFUSED) || stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryNetwork
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) Category {
	switch {
	case code == http.StatusUnauthorized:
		return CategoryAuthentication
	case code == http.StatusForbidden:
		return CategoryPermission
	case code == http.StatusNotFound || code == http.StatusGone:
		return CategoryNotFound
	case code == http.StatusRequestTimeout:
		return CategoryTimeout
	case code == http.StatusTooManyRequests:
		return CategoryRateLimit
	case code >= 500:
		return CategoryServerError
	}
	return CategoryUnknown
}

func classifyCode(err error) (Category, bool) {
	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return CategoryAuthentication, true
	case errors.Is(err, errors.ErrAccessDenied):
		return CategoryPermission, true
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrRemoteNotFound):
		return CategoryNotFound, true
	case errors.Is(err, errors.ErrRateLimited):
		return CategoryRateLimit, true
	case errors.Is(err, errors.ErrServiceUnavailable):
		return CategoryServerError, true
	case errors.Is(err, errors.ErrSyncTimeout):
		return CategoryTimeout, true
	case errors.Is(err, errors.ErrNetwork):
		return CategoryNetwork, true
	}
	return "", false
}

// classifyMessage is the fallback for errors that carry no type information.
func classifyMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout
	case containsAny(m, "rate limit", "too many requests", "429"):
		return CategoryRateLimit
	case containsAny(m, "unauthorized", "unauthenticated", "invalid credentials", "401"):
		return CategoryAuthentication
	case containsAny(m, "forbidden", "permission denied", "access denied", "403"):
		return CategoryPermission
	case containsAny(m, "not found", "404"):
		return CategoryNotFound
	case containsAny(m, "server error", "service unavailable", "bad gateway", "500", "502", "503", "504"):
		return CategoryServerError
	case containsAny(m, "network", "connection", "offline", "no such host", "unreachable", "eof"):
		return CategoryNetwork
	}
	return CategoryUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether err is worth another attempt.
func ShouldRetry(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err).Retryable()
}

// RetryAfter returns the server's reset hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var hinted interface{ RetryAfterHint() time.Duration }
	if stderrors.As(err, &hinted) {
		return hinted.RetryAfterHint()
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header in seconds or HTTP-date form.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}

// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrQuotaExceeded, Message: "write rejected", Err: errors.New("disk full")},
			want:     "[QUOTA_EXCEEDED] write rejected: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrSyncFailed, "sync failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrSyncFailed, err.Code)
}

func TestIs_walksChain(t *testing.T) {
	inner := Wrap(ErrNotFound, "object missing", &StatusError{StatusCode: 404})
	outer := fmt.Errorf("read snapshot: %w", Wrap(ErrSyncFailed, "pull failed", inner))

	assert.True(t, Is(outer, ErrSyncFailed))
	assert.True(t, Is(outer, ErrNotFound))
	assert.False(t, Is(outer, ErrAccessDenied))
	assert.False(t, Is(nil, ErrNotFound))
	assert.False(t, Is(errors.New("plain"), ErrNotFound))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrValidation, CodeOf(fmt.Errorf("save: %w", New(ErrValidation, "bad item"))))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestNewf(t *testing.T) {
	err := Newf(ErrUnknownStrategy, "unknown conflict strategy %q", "coin-flip")
	assert.Equal(t, `[UNKNOWN_STRATEGY] unknown conflict strategy "coin-flip"`, err.Error())
}

func TestStatusError(t *testing.T) {
	err := &StatusError{StatusCode: 429, Body: "slow down", RetryAfter: 3 * time.Second}
	assert.Equal(t, "remote returned status 429: slow down", err.Error())
	assert.Equal(t, 3*time.Second, err.RetryAfterHint())

	wrapped := Wrap(ErrRateLimited, "rate limited", err)
	var statusErr *StatusError
	require.True(t, errors.As(wrapped, &statusErr))
	assert.Equal(t, 429, statusErr.StatusCode)

	assert.Equal(t, "remote returned status 503", (&StatusError{StatusCode: 503}).Error())
}

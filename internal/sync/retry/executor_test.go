package retry

import (
	"bytes"
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
)

// recordingSleeper captures requested delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(cfg Config, sleeper *recordingSleeper) *Executor {
	return NewExecutor(cfg,
		WithSleeper(sleeper.Sleep),
		WithRandom(func() float64 { return 0 }),
		WithLogger(logging.New(&bytes.Buffer{}, logging.LevelDebug)),
	)
}

func TestBackoff(t *testing.T) {
	zero := func() float64 { return 0 }
	one := func() float64 { return 0.999999 }

	assert.Equal(t, time.Second, Backoff(0, time.Second, 30*time.Second, 0.3, zero))
	assert.Equal(t, 2*time.Second, Backoff(1, time.Second, 30*time.Second, 0.3, zero))
	assert.Equal(t, 8*time.Second, Backoff(3, time.Second, 30*time.Second, 0.3, zero))
	assert.Equal(t, 30*time.Second, Backoff(10, time.Second, 30*time.Second, 0.3, zero), "capped")
	assert.Equal(t, 30*time.Second, Backoff(10, time.Second, 30*time.Second, 0.3, one), "jitter never exceeds cap")
	assert.Equal(t, time.Second, Backoff(-1, time.Second, 30*time.Second, 0, nil))

	jittered := Backoff(2, time.Second, 30*time.Second, 0.5, func() float64 { return 0.5 })
	assert.Equal(t, 5*time.Second, jittered)
}

func TestComputeBackoff_JitterBounds(t *testing.T) {
	e := NewExecutor(DefaultConfig(), WithLogger(logging.New(&bytes.Buffer{}, logging.LevelError)))
	for attempt := 0; attempt < 8; attempt++ {
		d := e.ComputeBackoff(attempt)
		base := Backoff(attempt, time.Second, 30*time.Second, 0, nil)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(DefaultConfig(), sleeper)

	got, err := Do(context.Background(), e, Options{OperationType: OpRead}, func(context.Context) (string, error) {
		return "doc", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "doc", got)
	assert.Empty(t, sleeper.delays)

	st := e.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Succeeded)
	assert.Zero(t, st.Retries)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(DefaultConfig(), sleeper)

	calls := 0
	got, err := Do(context.Background(), e, Options{OperationType: OpWrite}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &errors.StatusError{StatusCode: 503}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.Equal(t, 2, e.Stats().Retries)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(DefaultConfig(), sleeper)
	cause := &errors.StatusError{StatusCode: 403}

	calls := 0
	err := e.Execute(context.Background(), Options{OperationType: OpRead}, func(context.Context) error {
		calls++
		return cause
	})
	assert.Same(t, cause, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)

	st := e.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.FailuresBy[CategoryPermission])
	assert.Equal(t, CategoryPermission, st.LastErrorCategory)
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(DefaultConfig(), sleeper)

	calls := 0
	err := e.Execute(context.Background(), Options{OperationID: "op-1", OperationType: OpWrite, MaxRetries: 2},
		func(context.Context) error {
			calls++
			return errors.Wrap(errors.ErrServiceUnavailable, "write", &errors.StatusError{StatusCode: 500})
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "first attempt plus two retries")

	var exhausted *ExhaustedError
	require.True(t, stderrors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "op-1", exhausted.OperationID)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))

	var statusErr *errors.StatusError
	assert.True(t, stderrors.As(err, &statusErr))
	assert.Equal(t, CategoryServerError, Classify(err))
}

func TestDo_PerTypeDefaultCeilings(t *testing.T) {
	tests := []struct {
		opType string
		calls  int
	}{
		{OpExists, 3},
		{OpRead, 4},
		{OpWrite, 4},
		{OpSync, 4},
		{"other", 4},
	}
	for _, tt := range tests {
		t.Run(tt.opType, func(t *testing.T) {
			e := newTestExecutor(DefaultConfig(), &recordingSleeper{})
			calls := 0
			_ = e.Execute(context.Background(), Options{OperationType: tt.opType}, func(context.Context) error {
				calls++
				return errors.New(errors.ErrNetwork, "down")
			})
			assert.Equal(t, tt.calls, calls)
		})
	}
}

func TestDo_RateLimitHonorsRetryAfter(t *testing.T) {
	sleeper := &recordingSleeper{}
	e := newTestExecutor(DefaultConfig(), sleeper)

	calls := 0
	err := e.Execute(context.Background(), Options{OperationType: OpWrite}, func(context.Context) error {
		calls++
		if calls == 1 {
			return &errors.StatusError{StatusCode: 429, RetryAfter: 12 * time.Second}
		}
		if calls == 2 {
			return &errors.StatusError{StatusCode: 429, RetryAfter: time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{12 * time.Second, 2 * time.Second}, sleeper.delays,
		"hint wins when longer, backoff when the hint is shorter")
}

func TestDo_AttemptTimeoutIsClassifiedTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	e := newTestExecutor(cfg, &recordingSleeper{})

	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	err := e.Execute(context.Background(), Options{OperationType: OpRead, MaxRetries: 1}, func(ctx context.Context) error {
		calls.Add(1)
		<-release
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, CategoryTimeout, Classify(err))
	assert.True(t, errors.Is(err, errors.ErrSyncTimeout))

	var exhausted *ExhaustedError
	require.True(t, stderrors.As(err, &exhausted))
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(DefaultConfig(),
		WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
		WithLogger(logging.New(&bytes.Buffer{}, logging.LevelDebug)),
	)

	calls := 0
	err := e.Execute(ctx, Options{OperationType: OpWrite}, func(context.Context) error {
		calls++
		return errors.New(errors.ErrNetwork, "down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, errors.ErrNetwork), "cause is preserved")
	assert.False(t, ShouldRetry(err))
}

func TestDo_PanicBecomesError(t *testing.T) {
	e := newTestExecutor(DefaultConfig(), &recordingSleeper{})
	err := e.Execute(context.Background(), Options{}, func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInternal))
}

func TestExecutor_ShouldRetry(t *testing.T) {
	e := newTestExecutor(DefaultConfig(), &recordingSleeper{})
	assert.True(t, e.ShouldRetry(&errors.StatusError{StatusCode: 500}))
	assert.False(t, e.ShouldRetry(&errors.StatusError{StatusCode: 404}))
}

package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/uuid"
)

// Operation types with their own default retry ceilings.
const (
	OpExists = "exists"
	OpRead   = "read"
	OpWrite  = "write"
	OpSync   = "sync"
)

// Config is the executor policy.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the computed delay added at random.
	Jitter float64
	// AttemptTimeout bounds a single attempt; zero disables it.
	AttemptTimeout time.Duration
	// MaxRetries holds per-operation-type retry ceilings.
	MaxRetries        map[string]int
	DefaultMaxRetries int
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         0.3,
		AttemptTimeout: 30 * time.Second,
		MaxRetries: map[string]int{
			OpExists: 2,
			OpRead:   3,
			OpWrite:  3,
			OpSync:   3,
		},
		DefaultMaxRetries: 3,
	}
}

// Options describes one call to Do or Execute.
type Options struct {
	OperationID   string
	OperationType string
	// MaxRetries is the number of retries after the first attempt.
	// Zero uses the ceiling configured for OperationType.
	MaxRetries int
}

// ExhaustedError is returned when every allowed attempt failed.
type ExhaustedError struct {
	OperationID   string
	OperationType string
	Attempts      int
	Err           error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.OperationType, e.OperationID, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Stats accumulates executor outcomes.
type Stats struct {
	Total             int              `json:"total"`
	Succeeded         int              `json:"succeeded"`
	Failed            int              `json:"failed"`
	Retries           int              `json:"retries"`
	FailuresBy        map[Category]int `json:"failuresByCategory"`
	LastError         string           `json:"lastError,omitempty"`
	LastErrorCategory Category         `json:"lastErrorCategory,omitempty"`
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor retries transient failures of remote operations.
type Executor struct {
	cfg   Config
	sleep Sleeper
	rand  func() float64
	log   *logging.Logger

	mu    sync.Mutex
	stats Stats
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the wall-clock sleep.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithRandom replaces the jitter source; f returns values in [0, 1).
func WithRandom(f func() float64) ExecutorOption {
	return func(e *Executor) { e.rand = f }
}

// WithLogger overrides the logger.
func WithLogger(l *logging.Logger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, opts ...ExecutorOption) *Executor {
	defaults := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxRetries == nil {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}

	e := &Executor{
		cfg:   cfg,
		sleep: sleepContext,
		rand:  rand.Float64,
		stats: Stats{FailuresBy: make(map[Category]int)},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logging.Get().With(map[string]interface{}{"component": "retry"})
	}
	return e
}

// ShouldRetry lets the executor serve as the classifier for other components.
func (e *Executor) ShouldRetry(err error) bool {
	return ShouldRetry(err)
}

// ComputeBackoff returns the delay before retry number attempt (zero based):
// BaseDelay·2^attempt plus up to Jitter of that, never above MaxDelay.
func (e *Executor) ComputeBackoff(attempt int) time.Duration {
	return Backoff(attempt, e.cfg.BaseDelay, e.cfg.MaxDelay, e.cfg.Jitter, e.rand)
}

// Backoff is the pure form of ComputeBackoff.
func Backoff(attempt int, base, maxDelay time.Duration, jitter float64, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if jitter > 0 && random != nil {
		delay += delay * jitter * random()
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}

func (e *Executor) maxRetries(opts Options) int {
	if opts.MaxRetries > 0 {
		return opts.MaxRetries
	}
	if n, ok := e.cfg.MaxRetries[opts.OperationType]; ok {
		return n
	}
	return e.cfg.DefaultMaxRetries
}

// Stats returns a copy of the accumulated statistics.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.stats
	out.FailuresBy = make(map[Category]int, len(e.stats.FailuresBy))
	for k, v := range e.stats.FailuresBy {
		out.FailuresBy[k] = v
	}
	return out
}

func (e *Executor) recordSuccess(retries int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	e.stats.Succeeded++
	e.stats.Retries += retries
}

func (e *Executor) recordFailure(retries int, err error, cat Category) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	e.stats.Failed++
	e.stats.Retries += retries
	e.stats.FailuresBy[cat]++
	e.stats.LastError = err.Error()
	e.stats.LastErrorCategory = cat
}

// Execute runs op with retries.
func (e *Executor) Execute(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op, retrying transient failures up to the configured ceiling.
// Non-retryable errors are returned unchanged; exhausted retries return an
// *ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, e *Executor, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if opts.OperationID == "" {
		opts.OperationID = uuid.New()
	}
	if opts.OperationType == "" {
		opts.OperationType = "operation"
	}
	maxRetries := e.maxRetries(opts)
	logCtx := map[string]interface{}{
		"operation_id":   opts.OperationID,
		"operation_type": opts.OperationType,
	}

	for attempt := 0; ; attempt++ {
		result, err := runAttempt(ctx, e.cfg.AttemptTimeout, op)
		if err == nil {
			if attempt > 0 {
				e.log.Info("Operation succeeded after retry", merge(logCtx, map[string]interface{}{
					"attempts": attempt + 1,
				}))
			}
			e.recordSuccess(attempt)
			return result, nil
		}

		cat := Classify(err)
		if !ShouldRetry(err) {
			e.recordFailure(attempt, err, cat)
			e.log.Warn("Operation failed, not retryable", merge(logCtx, map[string]interface{}{
				"category": cat,
				"error":    err.Error(),
			}))
			return zero, err
		}

		if attempt >= maxRetries {
			e.recordFailure(attempt, err, cat)
			e.log.Error("Operation failed, retries exhausted", err, merge(logCtx, map[string]interface{}{
				"category": cat,
				"attempts": attempt + 1,
			}))
			return zero, &ExhaustedError{
				OperationID:   opts.OperationID,
				OperationType: opts.OperationType,
				Attempts:      attempt + 1,
				Err:           err,
			}
		}

		delay := e.ComputeBackoff(attempt)
		if cat == CategoryRateLimit {
			if hint := RetryAfter(err); hint > delay {
				delay = hint
			}
		}
		e.log.Warn("Operation failed, retrying", merge(logCtx, map[string]interface{}{
			"category": cat,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		}))

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			e.recordFailure(attempt, err, cat)
			return zero, &ExhaustedError{
				OperationID:   opts.OperationID,
				OperationType: opts.OperationType,
				Attempts:      attempt + 1,
				Err:           stderrors.Join(err, sleepErr),
			}
		}
	}
}

type attemptResult[T any] struct {
	value T
	err   error
}

// runAttempt runs op once. When timeout elapses first the attempt fails as a
// timeout and op's eventual result is discarded.
func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult[T]{err: errors.Newf(errors.ErrInternal, "operation panicked: %v", r)}
			}
		}()
		v, err := op(attemptCtx)
		done <- attemptResult[T]{value: v, err: err}
	}()

	finish := func(r attemptResult[T]) (T, error) {
		if r.err != nil && ctx.Err() == nil && stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, errors.Wrap(errors.ErrSyncTimeout, fmt.Sprintf("attempt exceeded %s", timeout), r.err)
		}
		return r.value, r.err
	}

	select {
	case r := <-done:
		return finish(r)
	case <-attemptCtx.Done():
		select {
		case r := <-done:
			return finish(r)
		default:
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, errors.Newf(errors.ErrSyncTimeout, "attempt exceeded %s", timeout)
	}
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

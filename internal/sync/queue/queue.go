// Package queue provides the offline intent queue.
// Intents are recorded while the device is offline and replayed with
// exponential backoff once connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/shelfsync/internal/db"
	"github.com/kimhsiao/shelfsync/internal/errors"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/sync/storage"
)

// IntentType is the kind of deferred operation.
type IntentType string

const (
	IntentSync   IntentType = "sync"
	IntentPush   IntentType = "push"
	IntentPull   IntentType = "pull"
	IntentMutate IntentType = "mutate"
)

// Valid reports whether t is a known intent type.
func (t IntentType) Valid() bool {
	switch t {
	case IntentSync, IntentPush, IntentPull, IntentMutate:
		return true
	}
	return false
}

// Intent is a queued operation.
type Intent struct {
	Type        IntentType      `json:"type"`
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	QueuedAt    time.Time       `json:"queuedAt"`
	RetryCount  int             `json:"retryCount"`
	LastError   string          `json:"lastError,omitempty"`
	LastRetryAt *time.Time      `json:"lastRetryAt,omitempty"`
}

func (i *Intent) sameKey(t IntentType, id string) bool {
	return i.Type == t && i.ID == id
}

func (i *Intent) clone() *Intent {
	out := *i
	if i.Payload != nil {
		out.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	if i.LastRetryAt != nil {
		t := *i.LastRetryAt
		out.LastRetryAt = &t
	}
	return &out
}

// RetryClassifier decides whether a failure is worth another attempt.
type RetryClassifier interface {
	ShouldRetry(err error) bool
}

// Options configures a Queue. Start from DefaultOptions.
type Options struct {
	MaxSize           int
	SyncMaxRetries    int
	DefaultMaxRetries int
	// ReplaceDuplicates replaces a queued intent with the same type and id.
	// When false the queued intent is kept and the newcomer is ignored.
	ReplaceDuplicates bool
	Classifier        RetryClassifier
	Now               func() time.Time
	Logger            *logging.Logger
}

// DefaultOptions returns the standard queue policy.
func DefaultOptions() Options {
	return Options{
		MaxSize:           100,
		SyncMaxRetries:    5,
		DefaultMaxRetries: 3,
		ReplaceDuplicates: true,
	}
}

// OperationError records a failed replay.
type OperationError struct {
	Type  IntentType `json:"type"`
	ID    string     `json:"id"`
	Error string     `json:"error"`
}

// ProcessResult summarizes one ProcessQueue pass.
type ProcessResult struct {
	Processed int              `json:"processed"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Dropped   int              `json:"dropped"`
	Errors    []OperationError `json:"errors,omitempty"`
}

// Stats describes queue contents and lifetime counters.
type Stats struct {
	Size           int                `json:"size"`
	MaxSize        int                `json:"maxSize"`
	Retryable      int                `json:"retryable"`
	ByType         map[IntentType]int `json:"byType"`
	OldestQueuedAt *time.Time         `json:"oldestQueuedAt,omitempty"`
	Enqueued       int                `json:"enqueued"`
	Replaced       int                `json:"replaced"`
	Evicted        int                `json:"evicted"`
	Dropped        int                `json:"dropped"`
	Succeeded      int                `json:"succeeded"`
}

// Handler replays one intent.
type Handler func(ctx context.Context, intent Intent) error

// Queue is a bounded, deduplicated, persisted FIFO of intents.
type Queue struct {
	kv   db.KeyValue
	opts Options
	log  *logging.Logger

	mu    sync.Mutex
	items []*Intent
	stats Stats
}

// New creates a queue over kv and loads any persisted intents.
func New(kv db.KeyValue, opts Options) *Queue {
	defaults := DefaultOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaults.MaxSize
	}
	if opts.SyncMaxRetries <= 0 {
		opts.SyncMaxRetries = defaults.SyncMaxRetries
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{kv: kv, opts: opts, log: opts.Logger}
	if q.log == nil {
		q.log = logging.Get().With(map[string]interface{}{"component": "offline_queue"})
	}
	q.load()
	return q
}

func (q *Queue) load() {
	raw, ok, err := q.kv.Get(storage.KeyOfflineQueue)
	if err != nil {
		q.log.Error("Failed to read offline queue", err)
		return
	}
	if !ok || raw == "" {
		return
	}

	var items []*Intent
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.log.Warn("Discarding corrupt offline queue", map[string]interface{}{"error": err.Error()})
		if err := q.kv.Remove(storage.KeyOfflineQueue); err != nil {
			q.log.Error("Failed to remove corrupt offline queue", err)
		}
		return
	}

	kept := items[:0]
	for _, it := range items {
		if it != nil && it.Type.Valid() && it.ID != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) > q.opts.MaxSize {
		kept = kept[len(kept)-q.opts.MaxSize:]
	}
	q.items = kept
	q.log.Debug("Loaded offline queue", map[string]interface{}{"size": len(kept)})
}

// commitLocked persists next and installs it. On failure the queue is unchanged.
func (q *Queue) commitLocked(next []*Intent) error {
	data, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode offline queue", err)
	}
	if err := q.kv.Set(storage.KeyOfflineQueue, string(data)); err != nil {
		return err
	}
	q.items = next
	return nil
}

// MaxRetries returns the retry ceiling for t.
func (q *Queue) MaxRetries(t IntentType) int {
	if t == IntentSync {
		return q.opts.SyncMaxRetries
	}
	return q.opts.DefaultMaxRetries
}

// Enqueue adds intent with a fresh timestamp and zero retry count.
// An intent with the same type and id replaces the queued one. When the
// queue is full the oldest intents are evicted. An empty id defaults to the type.
func (q *Queue) Enqueue(intent Intent) error {
	if !intent.Type.Valid() {
		return errors.Newf(errors.ErrValidation, "unknown intent type %q", intent.Type)
	}
	if intent.ID == "" {
		intent.ID = string(intent.Type)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]*Intent, 0, len(q.items)+1)
	replaced := false
	for _, it := range q.items {
		if it.sameKey(intent.Type, intent.ID) {
			if !q.opts.ReplaceDuplicates {
				q.log.Debug("Intent already queued", map[string]interface{}{
					"type": intent.Type,
					"id":   intent.ID,
				})
				return nil
			}
			replaced = true
			continue
		}
		next = append(next, it)
	}

	fresh := &Intent{
		Type:     intent.Type,
		ID:       intent.ID,
		Payload:  intent.Payload,
		QueuedAt: q.opts.Now().UTC(),
	}
	next = append(next, fresh)

	evicted := 0
	if over := len(next) - q.opts.MaxSize; over > 0 {
		evicted = over
		next = next[over:]
	}

	if err := q.commitLocked(next); err != nil {
		return err
	}

	q.stats.Enqueued++
	if replaced {
		q.stats.Replaced++
	}
	q.stats.Evicted += evicted
	if evicted > 0 {
		q.log.Warn("Offline queue full, evicted oldest intents", map[string]interface{}{
			"evicted":  evicted,
			"max_size": q.opts.MaxSize,
		})
	}
	q.log.Info("Queued offline intent", map[string]interface{}{
		"type":     fresh.Type,
		"id":       fresh.ID,
		"replaced": replaced,
		"size":     len(next),
	})
	return nil
}

// Dequeue removes and returns the oldest intent, or nil when empty.
func (q *Queue) Dequeue() (*Intent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, nil
	}
	head := q.items[0]
	next := append([]*Intent(nil), q.items[1:]...)
	if err := q.commitLocked(next); err != nil {
		return nil, err
	}
	return head.clone(), nil
}

// Peek returns the oldest intent without removing it, or nil when empty.
func (q *Queue) Peek() *Intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].clone()
}

// Size returns the number of queued intents.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether nothing is queued.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// List returns copies of all queued intents in FIFO order.
func (q *Queue) List() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Intent, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it.clone())
	}
	return out
}

// RemoveOperation removes every intent with the given id.
func (q *Queue) RemoveOperation(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.removeLocked(func(it *Intent) bool { return it.ID == id })
}

func (q *Queue) removeLocked(match func(*Intent) bool) bool {
	next := make([]*Intent, 0, len(q.items))
	for _, it := range q.items {
		if !match(it) {
			next = append(next, it)
		}
	}
	if len(next) == len(q.items) {
		return false
	}
	if err := q.commitLocked(next); err != nil {
		q.log.Error("Failed to persist offline queue", err)
		return false
	}
	return true
}

// MarkOperationFailed records a failed replay of intent and reports whether
// it stays queued. The intent is dropped permanently when the classifier
// rejects the error or the retry ceiling for its type is reached.
func (q *Queue) MarkOperationFailed(intent Intent, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, it := range q.items {
		if it.sameKey(intent.Type, intent.ID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	// A newer intent with the same key replaced this one mid-replay and
	// starts with a clean retry count.
	if !intent.QueuedAt.IsZero() && !q.items[idx].QueuedAt.Equal(intent.QueuedAt) {
		q.log.Debug("Failed intent was replaced during replay", map[string]interface{}{
			"type": intent.Type,
			"id":   intent.ID,
		})
		return true
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	logCtx := map[string]interface{}{
		"type":  intent.Type,
		"id":    intent.ID,
		"error": errMsg,
	}

	if cause != nil && q.opts.Classifier != nil && !q.opts.Classifier.ShouldRetry(cause) {
		q.dropLocked(idx)
		q.log.Warn("Dropped offline intent after non-retryable error", logCtx)
		return false
	}

	updated := q.items[idx].clone()
	updated.RetryCount++
	updated.LastError = errMsg
	now := q.opts.Now().UTC()
	updated.LastRetryAt = &now

	ceiling := q.MaxRetries(updated.Type)
	logCtx["retry_count"] = updated.RetryCount
	logCtx["max_retries"] = ceiling

	if updated.RetryCount >= ceiling {
		q.dropLocked(idx)
		q.log.Warn("Dropped offline intent, retry ceiling reached", logCtx)
		return false
	}

	next := append([]*Intent(nil), q.items...)
	next[idx] = updated
	if err := q.commitLocked(next); err != nil {
		// Keep counting in memory so the ceiling is still reached.
		q.items = next
		q.log.Error("Failed to persist offline queue", err, logCtx)
	}
	logCtx["backoff_seconds"] = calculateBackoff(updated.RetryCount).Seconds()
	q.log.Info("Offline intent failed, will retry", logCtx)
	return true
}

func (q *Queue) dropLocked(idx int) {
	next := make([]*Intent, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)
	if err := q.commitLocked(next); err != nil {
		q.items = next
		q.log.Error("Failed to persist offline queue", err)
	}
	q.stats.Dropped++
}

// calculateBackoff returns 2^retryCount seconds, capped at one hour.
func calculateBackoff(retryCount int) time.Duration {
	if retryCount > 12 {
		return time.Hour
	}
	backoff := time.Duration(1<<uint(retryCount)) * time.Second
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

func (q *Queue) readyLocked(it *Intent, now time.Time) bool {
	if it.LastRetryAt == nil {
		return true
	}
	return !now.Before(it.LastRetryAt.Add(calculateBackoff(it.RetryCount)))
}

// GetRetryableOperations returns intents whose backoff window has elapsed, in FIFO order.
func (q *Queue) GetRetryableOperations() []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	var out []Intent
	for _, it := range q.items {
		if q.readyLocked(it, now) {
			out = append(out, *it.clone())
		}
	}
	return out
}

// ProcessQueue replays every retryable intent through handler.
// A success removes the intent, a failure goes through MarkOperationFailed,
// and processing always continues to the next intent.
func (q *Queue) ProcessQueue(ctx context.Context, handler Handler) ProcessResult {
	var result ProcessResult

	for _, intent := range q.GetRetryableOperations() {
		if ctx.Err() != nil {
			break
		}
		result.Processed++

		err := q.invoke(ctx, handler, intent)
		if err == nil {
			result.Succeeded++
			q.mu.Lock()
			// A newer intent with the same key may have replaced this one mid-replay.
			q.removeLocked(func(it *Intent) bool {
				return it.sameKey(intent.Type, intent.ID) && it.QueuedAt.Equal(intent.QueuedAt)
			})
			q.stats.Succeeded++
			q.mu.Unlock()
			continue
		}

		result.Failed++
		result.Errors = append(result.Errors, OperationError{
			Type:  intent.Type,
			ID:    intent.ID,
			Error: err.Error(),
		})
		if !q.MarkOperationFailed(intent, err) {
			result.Dropped++
		}
	}

	if result.Processed > 0 {
		q.log.Info("Processed offline queue", map[string]interface{}{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"dropped":   result.Dropped,
			"remaining": q.Size(),
		})
	}
	return result
}

func (q *Queue) invoke(ctx context.Context, handler Handler, intent Intent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("intent handler panicked: %v", r)
		}
	}()
	return handler(ctx, intent)
}

// GetStats returns queue statistics.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stats
	st.Size = len(q.items)
	st.MaxSize = q.opts.MaxSize
	st.ByType = make(map[IntentType]int)

	now := q.opts.Now()
	for _, it := range q.items {
		st.ByType[it.Type]++
		if q.readyLocked(it, now) {
			st.Retryable++
		}
		if st.OldestQueuedAt == nil || it.QueuedAt.Before(*st.OldestQueuedAt) {
			t := it.QueuedAt
			st.OldestQueuedAt = &t
		}
	}
	return st
}

// Clear removes all intents.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.kv.Remove(storage.KeyOfflineQueue); err != nil {
		return err
	}
	q.items = nil
	q.log.Info("Offline queue cleared")
	return nil
}

// Package queue provides unit tests for the offline intent queue.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/db"
	"github.com/kimhsiao/shelfsync/internal/logging"
	"github.com/kimhsiao/shelfsync/internal/sync/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// retryOnly treats errors wrapping errPermanent as non-retryable.
type retryOnly struct{}

var errPermanent = stderrors.New("permanent")

func (retryOnly) ShouldRetry(err error) bool { return !stderrors.Is(err, errPermanent) }

func newTestQueue(t *testing.T, kv db.KeyValue, clock *fakeClock, mutate ...func(*Options)) *Queue {
	t.Helper()
	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.Classifier = retryOnly{}
	opts.Logger = logging.New(&bytes.Buffer{}, logging.LevelDebug)
	for _, m := range mutate {
		m(&opts)
	}
	return New(kv, opts)
}

func payload(v string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"v":%q}`, v))
}

func TestEnqueue_FIFO(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())

	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a"}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "b"}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentPush, ID: "push"}))

	assert.Equal(t, 3, q.Size())
	assert.False(t, q.IsEmpty())

	head := q.Peek()
	require.NotNil(t, head)
	assert.Equal(t, "a", head.ID)
	assert.Equal(t, 3, q.Size(), "peek does not remove")

	for _, want := range []string{"a", "b", "push"} {
		got, err := q.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
	}

	got, err := q.Dequeue()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, q.IsEmpty())
	assert.Nil(t, q.Peek())
}

func TestEnqueue_RejectsUnknownType(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	assert.Error(t, q.Enqueue(Intent{Type: "delete", ID: "x"}))
	assert.True(t, q.IsEmpty())
}

func TestEnqueue_EmptyIDDefaultsToType(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentSync}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentSync}))

	assert.Equal(t, 1, q.Size())
	assert.Equal(t, "sync", q.Peek().ID)
}

func TestEnqueue_DuplicateReplaces(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, db.NewMemoryKV(0), clock)

	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("old")}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "b"}))
	q.MarkOperationFailed(*q.Peek(), stderrors.New("offline"))
	assert.Equal(t, 1, q.Peek().RetryCount)

	clock.Advance(time.Minute)
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("new")}))

	items := q.List()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, "a", items[1].ID)
	assert.JSONEq(t, `{"v":"new"}`, string(items[1].Payload))
	assert.Zero(t, items[1].RetryCount)
	assert.Nil(t, items[1].LastRetryAt)
	assert.Equal(t, clock.Now(), items[1].QueuedAt)
	assert.Equal(t, 1, q.GetStats().Replaced)
}

func TestEnqueue_SameIDDifferentTypeIsDistinct(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentPush, ID: "x"}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentPull, ID: "x"}))
	assert.Equal(t, 2, q.Size())
}

func TestEnqueue_KeepExistingWhenReplaceDisabled(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock(), func(o *Options) {
		o.ReplaceDuplicates = false
	})

	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("old")}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("new")}))

	require.Equal(t, 1, q.Size())
	assert.JSONEq(t, `{"v":"old"}`, string(q.Peek().Payload))
}

func TestEnqueue_EvictsOldestWhenFull(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())

	for i := 0; i < 105; i++ {
		require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: fmt.Sprintf("item-%03d", i)}))
	}

	assert.Equal(t, 100, q.Size())
	assert.Equal(t, "item-005", q.Peek().ID)
	assert.Equal(t, 5, q.GetStats().Evicted)
}

func TestEnqueue_QuotaFailureLeavesQueueUnchanged(t *testing.T) {
	kv := db.NewMemoryKV(200)
	q := newTestQueue(t, kv, newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentSync}))

	err := q.Enqueue(Intent{Type: IntentMutate, ID: "big", Payload: payload(string(bytes.Repeat([]byte("x"), 300)))})
	require.Error(t, err)
	assert.Equal(t, 1, q.Size())
}

func TestPersistence_RoundTrip(t *testing.T) {
	kv := db.NewMemoryKV(0)
	clock := newFakeClock()
	q := newTestQueue(t, kv, clock)

	require.NoError(t, q.Enqueue(Intent{Type: IntentSync}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("p")}))
	q.MarkOperationFailed(Intent{Type: IntentSync, ID: "sync"}, stderrors.New("timeout"))

	reloaded := newTestQueue(t, kv, clock)
	items := reloaded.List()
	require.Len(t, items, 2)
	assert.Equal(t, IntentSync, items[0].Type)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, "timeout", items[0].LastError)
	assert.JSONEq(t, `{"v":"p"}`, string(items[1].Payload))
}

func TestPersistence_CorruptQueueDiscarded(t *testing.T) {
	kv := db.NewMemoryKV(0)
	require.NoError(t, kv.Set(storage.KeyOfflineQueue, "not-json"))

	q := newTestQueue(t, kv, newFakeClock())
	assert.True(t, q.IsEmpty())

	_, ok, _ := kv.Get(storage.KeyOfflineQueue)
	assert.False(t, ok)
}

func TestRemoveOperation(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a"}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "b"}))

	assert.True(t, q.RemoveOperation("a"))
	assert.False(t, q.RemoveOperation("a"))
	assert.Equal(t, 1, q.Size())
}

func TestMarkOperationFailed_Ceilings(t *testing.T) {
	tests := []struct {
		name     string
		typ      IntentType
		attempts int
	}{
		{"sync gets five attempts", IntentSync, 5},
		{"push gets three attempts", IntentPush, 3},
		{"pull gets three attempts", IntentPull, 3},
		{"mutate gets three attempts", IntentMutate, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
			intent := Intent{Type: tt.typ, ID: "x"}
			require.NoError(t, q.Enqueue(intent))

			for i := 1; i < tt.attempts; i++ {
				assert.True(t, q.MarkOperationFailed(intent, stderrors.New("boom")), "attempt %d", i)
			}
			assert.False(t, q.MarkOperationFailed(intent, stderrors.New("boom")))
			assert.True(t, q.IsEmpty())
			assert.Equal(t, 1, q.GetStats().Dropped)
		})
	}
}

func TestMarkOperationFailed_NonRetryableDropsImmediately(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	intent := Intent{Type: IntentSync}
	require.NoError(t, q.Enqueue(intent))

	assert.False(t, q.MarkOperationFailed(Intent{Type: IntentSync, ID: "sync"}, fmt.Errorf("auth: %w", errPermanent)))
	assert.True(t, q.IsEmpty())
}

func TestMarkOperationFailed_UnknownIntent(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	assert.False(t, q.MarkOperationFailed(Intent{Type: IntentPush, ID: "nope"}, stderrors.New("x")))
}

func TestGetRetryableOperations_Backoff(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, db.NewMemoryKV(0), clock)
	intent := Intent{Type: IntentSync}
	require.NoError(t, q.Enqueue(intent))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "fresh"}))

	require.Len(t, q.GetRetryableOperations(), 2)

	// retryCount 1: wait 2s
	q.MarkOperationFailed(Intent{Type: IntentSync, ID: "sync"}, stderrors.New("x"))
	ready := q.GetRetryableOperations()
	require.Len(t, ready, 1)
	assert.Equal(t, "fresh", ready[0].ID)

	clock.Advance(1999 * time.Millisecond)
	assert.Len(t, q.GetRetryableOperations(), 1)
	clock.Advance(time.Millisecond)
	assert.Len(t, q.GetRetryableOperations(), 2)

	// retryCount 2: wait 4s
	q.MarkOperationFailed(Intent{Type: IntentSync, ID: "sync"}, stderrors.New("x"))
	clock.Advance(3 * time.Second)
	assert.Len(t, q.GetRetryableOperations(), 1)
	clock.Advance(time.Second)
	assert.Len(t, q.GetRetryableOperations(), 2)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, calculateBackoff(0))
	assert.Equal(t, 2*time.Second, calculateBackoff(1))
	assert.Equal(t, 32*time.Second, calculateBackoff(5))
	assert.Equal(t, time.Hour, calculateBackoff(20))
}

func TestProcessQueue_PartialProgress(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: id}))
	}

	var seen []string
	result := q.ProcessQueue(context.Background(), func(_ context.Context, in Intent) error {
		seen = append(seen, in.ID)
		if in.ID == "b" {
			return stderrors.New("server_error")
		}
		return nil
	})

	assert.Equal(t, []string{"a", "b", "c"}, seen, "no early abort")
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "b", result.Errors[0].ID)

	items := q.List()
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
	assert.Equal(t, 1, items[0].RetryCount)
}

func TestProcessQueue_HandlerPanicIsAFailure(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentPush}))

	var result ProcessResult
	assert.NotPanics(t, func() {
		result = q.ProcessQueue(context.Background(), func(context.Context, Intent) error {
			panic("handler bug")
		})
	})
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, q.Size())
}

func TestProcessQueue_ReplacedDuringReplayIsKept(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, db.NewMemoryKV(0), clock)
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("old")}))

	q.ProcessQueue(context.Background(), func(_ context.Context, in Intent) error {
		clock.Advance(time.Second)
		return q.Enqueue(Intent{Type: IntentMutate, ID: "a", Payload: payload("new")})
	})

	require.Equal(t, 1, q.Size())
	assert.JSONEq(t, `{"v":"new"}`, string(q.Peek().Payload))
}

func TestProcessQueue_ReplacedDuringFailedReplayKeepsFreshRetryCount(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, db.NewMemoryKV(0), clock)
	require.NoError(t, q.Enqueue(Intent{Type: IntentPush, ID: "a", Payload: payload("old")}))

	result := q.ProcessQueue(context.Background(), func(_ context.Context, in Intent) error {
		clock.Advance(time.Second)
		require.NoError(t, q.Enqueue(Intent{Type: IntentPush, ID: "a", Payload: payload("new")}))
		return stderrors.New("server error")
	})

	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Dropped)
	require.Equal(t, 1, q.Size())
	fresh := q.Peek()
	assert.JSONEq(t, `{"v":"new"}`, string(fresh.Payload))
	assert.Zero(t, fresh.RetryCount)
	assert.Nil(t, fresh.LastRetryAt)
	assert.Len(t, q.GetRetryableOperations(), 1, "fresh intent has no backoff window")
}

// failingKV rejects writes once failWrites is set.
type failingKV struct {
	db.KeyValue
	failWrites bool
}

func (f *failingKV) Set(key, value string) error {
	if f.failWrites {
		return stderrors.New("disk unavailable")
	}
	return f.KeyValue.Set(key, value)
}

func TestMarkOperationFailed_CountsWhilePersistenceFails(t *testing.T) {
	kv := &failingKV{KeyValue: db.NewMemoryKV(0)}
	q := newTestQueue(t, kv, newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentPush, ID: "a"}))
	kv.failWrites = true

	cause := stderrors.New("server error")
	assert.True(t, q.MarkOperationFailed(*q.Peek(), cause))
	assert.Equal(t, 1, q.Peek().RetryCount)
	assert.True(t, q.MarkOperationFailed(*q.Peek(), cause))
	assert.Equal(t, 2, q.Peek().RetryCount)

	assert.False(t, q.MarkOperationFailed(*q.Peek(), cause), "ceiling reached")
	assert.True(t, q.IsEmpty())
}

func TestProcessQueue_StopsOnCancelledContext(t *testing.T) {
	q := newTestQueue(t, db.NewMemoryKV(0), newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := q.ProcessQueue(ctx, func(context.Context, Intent) error { return nil })
	assert.Zero(t, result.Processed)
	assert.Equal(t, 1, q.Size())
}

// Five consecutive server errors against a push intent with a ceiling of three.
func TestProcessQueue_PushDroppedAfterThreeServerErrors(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, db.NewMemoryKV(0), clock)
	require.NoError(t, q.Enqueue(Intent{Type: IntentPush}))
	sizeBefore := q.Size()

	serverErrors := 5
	calls := 0
	handler := func(context.Context, Intent) error {
		calls++
		if serverErrors > 0 {
			serverErrors--
			return stderrors.New("503 server_error")
		}
		return nil
	}

	for pass := 0; pass < 5; pass++ {
		assert.NotPanics(t, func() {
			q.ProcessQueue(context.Background(), handler)
		})
		clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, calls, "push replayed exactly three times")
	assert.Equal(t, 2, serverErrors, "remaining failures never consumed")
	assert.Equal(t, sizeBefore-1, q.Size())
	assert.Equal(t, 1, q.GetStats().Dropped)
}

func TestGetStats(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, db.NewMemoryKV(0), clock)
	require.NoError(t, q.Enqueue(Intent{Type: IntentSync}))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "a"}))
	require.NoError(t, q.Enqueue(Intent{Type: IntentMutate, ID: "b"}))
	q.MarkOperationFailed(Intent{Type: IntentSync, ID: "sync"}, stderrors.New("x"))

	st := q.GetStats()
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, 100, st.MaxSize)
	assert.Equal(t, 2, st.Retryable)
	assert.Equal(t, 1, st.ByType[IntentSync])
	assert.Equal(t, 2, st.ByType[IntentMutate])
	assert.Equal(t, 3, st.Enqueued)
	require.NotNil(t, st.OldestQueuedAt)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), *st.OldestQueuedAt)
}

func TestClear(t *testing.T) {
	kv := db.NewMemoryKV(0)
	q := newTestQueue(t, kv, newFakeClock())
	require.NoError(t, q.Enqueue(Intent{Type: IntentSync}))

	require.NoError(t, q.Clear())
	assert.True(t, q.IsEmpty())
	_, ok, _ := kv.Get(storage.KeyOfflineQueue)
	assert.False(t, ok)
}

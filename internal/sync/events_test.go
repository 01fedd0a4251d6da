package sync

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/logging"
)

func newTestBus() (*EventBus, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewEventBus(logging.New(buf, logging.LevelDebug)), buf
}

func TestEventBus_SubscribeAndUnsubscribe(t *testing.T) {
	bus, _ := newTestBus()

	id1 := bus.Subscribe(func(Event) {})
	id2 := bus.Subscribe(func(Event) {})
	assert.Greater(t, id2, id1)
	assert.Equal(t, 2, bus.Len())

	assert.True(t, bus.Unsubscribe(id1))
	assert.False(t, bus.Unsubscribe(id1))
	assert.False(t, bus.Unsubscribe(999))
	assert.Equal(t, 1, bus.Len())

	bus.Clear()
	assert.Zero(t, bus.Len())
}

func TestEventBus_TypeFilter(t *testing.T) {
	bus, _ := newTestBus()

	var all, errorsOnly []EventType
	bus.Subscribe(func(e Event) { all = append(all, e.Type) })
	bus.Subscribe(func(e Event) { errorsOnly = append(errorsOnly, e.Type) }, EventSyncError, EventOfflineQueueError)

	bus.Emit(Event{Type: EventSyncStarted})
	bus.Emit(Event{Type: EventSyncError})
	bus.Emit(Event{Type: EventOfflineQueueError})

	assert.Equal(t, []EventType{EventSyncStarted, EventSyncError, EventOfflineQueueError}, all)
	assert.Equal(t, []EventType{EventSyncError, EventOfflineQueueError}, errorsOnly)
}

func TestEventBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus, _ := newTestBus()

	var order []int
	for i := 0; i < 5; i++ {
		n := i
		bus.Subscribe(func(Event) { order = append(order, n) })
	}

	bus.Emit(Event{Type: EventSyncCompleted})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEventBus_PanickingListenerIsIsolated(t *testing.T) {
	bus, buf := newTestBus()

	var got []Event
	bus.Subscribe(func(Event) { panic("listener bug") })
	bus.Subscribe(func(e Event) { got = append(got, e) })

	require.NotPanics(t, func() {
		bus.Emit(Event{Type: EventSyncCompleted, Data: "ok"})
	})
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Data)
	assert.Contains(t, buf.String(), "Event listener panicked")
	assert.Contains(t, buf.String(), "listener bug")
}

func TestEventBus_FillsTimestamp(t *testing.T) {
	bus, _ := newTestBus()

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	bus.Emit(Event{Type: EventInitialized})
	bus.Emit(Event{Type: EventInitialized, Timestamp: fixed})

	require.Len(t, got, 2)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, fixed, got[1].Timestamp)
}

func TestEventBus_EmitWithoutListeners(t *testing.T) {
	bus, _ := newTestBus()
	assert.NotPanics(t, func() { bus.Emit(Event{Type: EventAutoSyncStopped}) })
}

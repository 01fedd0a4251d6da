package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/shelfsync/internal/logging"
)

// EventType names a sync engine notification.
type EventType string

const (
	EventInitialized           EventType = "initialized"
	EventSyncStarted           EventType = "syncStarted"
	EventSyncCompleted         EventType = "syncCompleted"
	EventSyncError             EventType = "syncError"
	EventConflictDetected      EventType = "conflictDetected"
	EventNetworkStatusChanged  EventType = "networkStatusChanged"
	EventAutoSyncStarted       EventType = "autoSyncStarted"
	EventAutoSyncStopped       EventType = "autoSyncStopped"
	EventOperationQueued       EventType = "operationQueued"
	EventOfflineQueueProcessed EventType = "offlineQueueProcessed"
	EventOfflineQueueError     EventType = "offlineQueueError"
)

// Event is delivered to listeners. Data holds an event-specific payload.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Listener receives events. A nil type filter on Subscribe means all events.
type Listener func(Event)

type subscription struct {
	id       int
	types    map[EventType]struct{}
	listener Listener
}

// EventBus is a per-engine listener registry.
type EventBus struct {
	log *logging.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

// NewEventBus creates an empty bus.
func NewEventBus(log *logging.Logger) *EventBus {
	if log == nil {
		log = logging.Get().With(map[string]interface{}{"component": "events"})
	}
	return &EventBus{log: log, subs: make(map[int]*subscription)}
}

// Subscribe registers l for the given event types, or for every event when
// none are given. The returned id is used to unsubscribe.
func (b *EventBus) Subscribe(l Listener, types ...EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, listener: l}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a listener. It reports whether the id was registered.
func (b *EventBus) Unsubscribe(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Len returns the number of registered listeners.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear removes every listener.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[int]*subscription)
}

// Emit delivers e synchronously in subscription order. A panicking listener
// is logged and skipped.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, sub := range targets {
		b.deliver(sub, e)
	}
}

func (b *EventBus) deliver(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event listener panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"event":       string(e.Type),
				"listener_id": sub.id,
			})
		}
	}()
	sub.listener(e)
}

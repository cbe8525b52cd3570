package bus

import (
	"sync"
	"time"
)

// Event types pushed to subscribers.
const (
	EventStatusUpdate   = "status_update"
	EventConflictUpdate = "conflict_update"
	EventQueueUpdate    = "queue_update"
)

// Topics. Status events fan out on the global topic and, when scoped, a
// per-store topic. The conflict and queue topics require elevated
// authorization to subscribe.
const (
	TopicGlobal    = "global"
	TopicConflicts = "conflicts"
	TopicQueue     = "queue"
)

// TopicStore returns the per-store topic name.
func TopicStore(storeID string) string {
	return "store:" + storeID
}

// eventBuffer is the per-subscriber channel depth before delivery becomes
// lossy.
const eventBuffer = 16

// Event is the message envelope delivered to subscribers.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscription receives events on C until Close is called. Delivery is
// best-effort: a subscriber that falls behind misses events and must
// re-query state.
type Subscription struct {
	C      chan Event
	topics []string
	bus    *Bus
	once   sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.C)
	})
}

// Bus is an in-process publish/subscribe broker with typed topics. It holds
// no history: clients that miss an event re-query on reconnect.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: map[string]map[*Subscription]struct{}{}}
}

// Subscribe registers a subscriber on the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		C:      make(chan Event, eventBuffer),
		topics: topics,
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		if b.subs[topic] == nil {
			b.subs[topic] = map[*Subscription]struct{}{}
		}
		b.subs[topic][sub] = struct{}{}
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range sub.topics {
		delete(b.subs[topic], sub)
	}
}

// Publish delivers the event to every subscriber of the topic. Subscribers
// with a full buffer are skipped.
func (b *Bus) Publish(topic string, eventType string, data map[string]any) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[topic] {
		select {
		case sub.C <- event:
		default:
		}
	}
}

// PublishStatus publishes a status update on the global topic and, when
// storeID is set, the store's own topic.
func (b *Bus) PublishStatus(storeID string, data map[string]any) {
	b.Publish(TopicGlobal, EventStatusUpdate, data)
	if storeID != "" {
		b.Publish(TopicStore(storeID), EventStatusUpdate, data)
	}
}

// PublishConflict notifies conflict-channel subscribers of a new conflict.
func (b *Bus) PublishConflict(data map[string]any) {
	b.Publish(TopicConflicts, EventConflictUpdate, data)
}

// PublishQueue notifies queue-channel subscribers of a queue change.
func (b *Bus) PublishQueue(data map[string]any) {
	b.Publish(TopicQueue, EventQueueUpdate, data)
}

package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Session topics.
const (
	TopicSessionUpdated = "session.updated"
	TopicSessionState   = "session.state"
	TopicSessionClosed  = "session.closed"
)

// StateChangedEvent is published when the session lifecycle state changes.
type StateChangedEvent struct {
	SessionID string // local session id
	From      string
	To        string
	Trigger   string
}

// Subscription represents an active subscription.
type Subscription struct {
	id       int
	prefix   string
	ch       chan Event
	coalesce bool
	mu       sync.Mutex
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// deliver performs a non-blocking send. A coalescing subscription replaces
// its pending event so the reader always sees the newest one.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- ev:
		return
	default:
	}
	if !s.coalesce {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Bus is an in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The channel buffers 100 events; when it
// is full further events are dropped for that subscriber.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.subscribe(topicPrefix, defaultBufferSize, false)
}

// SubscribeLatest creates a subscription that holds at most one pending
// event and replaces it on every publish. Suited to snapshot consumers.
func (b *Bus) SubscribeLatest(topicPrefix string) *Subscription {
	return b.subscribe(topicPrefix, 1, true)
}

func (b *Bus) subscribe(prefix string, size int, coalesce bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefix:   prefix,
		ch:       make(chan Event, size),
		coalesce: coalesce,
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.mu.Lock()
		close(sub.ch)
		sub.mu.Unlock()
	}
}

// Publish sends an event to all matching subscribers without blocking.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			sub.deliver(event)
		}
	}
}

// Package events provides the in-process notification bus and the append-only
// event journal.
package events

import (
	"sync"
	"time"

	"github.com/baton-dev/baton/internal/model"
)

// Notification is one pipeline transition broadcast on the bus. StageID 0
// marks run-level notifications.
type Notification struct {
	Type      model.EventType
	Timestamp time.Time
	SessionID string
	StageID   int
	StageName string
	Message   string
	Details   map[string]any
}

// Subscriber is a function that receives notifications.
type Subscriber func(Notification)

// anyType subscribes to every notification regardless of type.
const anyType model.EventType = "*"

// Bus is a non-blocking publish/subscribe fan-out. Delivery is asynchronous
// via buffered channels; when a subscriber's channel is full the
// notification is dropped for that subscriber. Publishers never block on
// slow consumers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[model.EventType][]chan Notification
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[model.EventType][]chan Notification),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one notification type. fn runs on its own
// goroutine. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType model.EventType, fn Subscriber) func() {
	return b.subscribe(eventType, fn)
}

// SubscribeAll registers fn for every notification type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(anyType, fn)
}

func (b *Bus) subscribe(eventType model.EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for n := range ch {
			deliver(fn, n)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// deliver isolates subscriber panics so one bad handler cannot kill the
// delivery goroutine.
func deliver(fn Subscriber, n Notification) {
	defer func() {
		_ = recover()
	}()
	fn(n)
}

// Publish fans n out to subscribers of its type and to wildcard
// subscribers. Full channels drop the notification rather than block.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[n.Type] {
		select {
		case ch <- n:
		default:
		}
	}
	for _, ch := range b.subscribers[anyType] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

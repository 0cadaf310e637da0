package streaming

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStep     EventType = "step"
	EventApproval EventType = "approval"
	EventAnswer   EventType = "answer"
	EventError    EventType = "error"
)

// Event is a progress notification for one thread.
type Event struct {
	Type      EventType `json:"type"`
	ThreadID  int64     `json:"thread_id"`
	Node      string    `json:"node,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus provides in-memory pub/sub of thread events. Delivery never blocks
// the publisher; a slow subscriber misses events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]map[chan Event]struct{}
	relay       *Relay
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int64]map[chan Event]struct{})}
}

// Subscribe adds a subscriber channel for threadID; caller must drain and call Unsubscribe.
func (b *Bus) Subscribe(threadID int64, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[threadID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[threadID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (b *Bus) Unsubscribe(threadID int64, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[threadID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(b.subscribers, threadID)
		}
	}
}

// Publish delivers evt locally and forwards it to the relay, if attached.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.deliver(evt)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay.forward(evt)
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[evt.ThreadID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
}

func (b *Bus) attach(r *Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

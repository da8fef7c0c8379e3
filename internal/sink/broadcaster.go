package sink

import (
	"context"
	"encoding/json"
	"sync"
)

const subscriberBuffer = 64

// Broadcaster fans events out to SSE subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}

	// RequireSubscriber makes Emit reject events nobody is listening for.
	RequireSubscriber bool
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Emit sends e to all subscribers without blocking; slow consumers miss it.
// It returns ErrRejected when no subscriber took the event, unless there are
// no subscribers and RequireSubscriber is false.
func (b *Broadcaster) Emit(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.subscribers) == 0 {
		if b.RequireSubscriber {
			return ErrRejected
		}
		return nil
	}

	delivered := 0
	for ch := range b.subscribers {
		select {
		case ch <- e:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return ErrRejected
	}
	return nil
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

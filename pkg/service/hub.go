package service

import (
	"sync"

	"github.com/iding2959/ys-movie/pkg/models"
)

// DefaultEventBuffer is the per-subscriber event buffer size.
const DefaultEventBuffer = 16

// Subscription is one observer's bounded event queue.
type Subscription struct {
	ch chan models.Event
}

// Events returns the subscriber's receive channel. It is closed on
// Unsubscribe and when the hub shuts down.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// NotificationHub fans task status changes out to subscribers.
// Delivery is best-effort and fire-and-forget: a slow subscriber's
// oldest buffered event is dropped rather than blocking the emitting
// watcher, since current state is always re-fetchable from the task
// registry. Subscribers may join or leave at any time.
type NotificationHub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewNotificationHub(buffer int) *NotificationHub {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &NotificationHub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new observer.
func (h *NotificationHub) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan models.Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes an observer and closes its channel.
func (h *NotificationHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Broadcast delivers an event to every subscriber without blocking.
// With zero subscribers it is a no-op.
func (h *NotificationHub) Broadcast(e models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			// Full buffer: drop the oldest event, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *NotificationHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

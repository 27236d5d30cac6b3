// Package events fans supervisor events out to any number of subscribers,
// such as websocket clients.
package events

import (
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

type Type string

const (
	TypeState             Type = "state"
	TypeConnected         Type = "connected"
	TypeDisconnected      Type = "disconnected"
	TypeLocation          Type = "location"
	TypeLocationUnknown   Type = "location_unknown"
	TypeFirstLocation     Type = "first_location"
	TypeAutoconfStarted   Type = "autoconf_started"
	TypeAutobaudCompleted Type = "autobaud_completed"
	TypeAutobaudFailed    Type = "autobaud_failed"
)

type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

const topic = "events"

// Hub drops events for subscribers that are not keeping up rather than
// stalling the publisher.
type Hub struct {
	capacity int
	now      func() time.Time

	mu     sync.RWMutex
	ps     *pubsub.PubSub
	closed bool
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 32
	}
	return &Hub{capacity: capacity, now: time.Now, ps: pubsub.New(capacity)}
}

func (h *Hub) Publish(typ Type, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.ps.TryPub(Event{Type: typ, Time: h.now().UTC(), Data: data}, topic)
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed when the subscription ends or the hub
// is closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(chan Event, h.capacity)
	if h.closed {
		close(out)
		return out, func() {}
	}

	raw := h.ps.Sub(topic)
	go func() {
		defer close(out)
		for v := range raw {
			ev, ok := v.(Event)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			h.mu.RLock()
			defer h.mu.RUnlock()
			if !h.closed {
				h.ps.Unsub(raw, topic)
			}
		})
	}
}

// Close ends every subscription. Publish is a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.ps.Shutdown()
}

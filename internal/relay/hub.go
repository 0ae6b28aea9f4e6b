package relay

import (
	"sync"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

// Hub fans the gateway client's single event handler out to any number of
// subscribers. Slow subscribers lose events rather than stall the client's
// read loop.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan protocol.EventFrame
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan protocol.EventFrame)}
}

// Publish is suitable as a gateway.EventHandler.
func (h *Hub) Publish(ev protocol.EventFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			observ.IncCounter("relay_events_dropped_total", nil)
			observ.Warn("relay_subscriber_full", map[string]any{"subscriber": id, "event_name": ev.Event})
		}
	}
}

// Subscribe registers a subscriber with the given buffer. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan protocol.EventFrame, func()) {
	ch := make(chan protocol.EventFrame, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	observ.SetGauge("relay_stream_subscribers", float64(n), nil)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			n := len(h.subs)
			close(ch)
			h.mu.Unlock()
			observ.SetGauge("relay_stream_subscribers", float64(n), nil)
		})
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

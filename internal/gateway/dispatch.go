package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

// EventHandler receives every forwarded event, heartbeats included. It runs
// on the connection's read goroutine, so it must not block for long.
type EventHandler func(protocol.EventFrame)

// seqTracker remembers the last event sequence on the current connection.
type seqTracker struct {
	last int64
	has  bool
}

// observe moves the tracker forward. gap is true when seq skipped past
// last+1; expected is the sequence that should have arrived.
func (s *seqTracker) observe(seq int64) (expected int64, gap bool) {
	if s.has {
		expected = s.last + 1
		if seq > expected {
			gap = true
		}
		if seq <= s.last {
			return expected, false
		}
	}
	s.last = seq
	s.has = true
	return expected, gap
}

// liveness is the time of the last heartbeat (or handshake) seen.
type liveness struct {
	mu   sync.Mutex
	last time.Time
}

func (l *liveness) mark(t time.Time) {
	l.mu.Lock()
	l.last = t
	l.mu.Unlock()
}

func (l *liveness) lastSeen() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, !l.last.IsZero()
}

func (l *liveness) reset() {
	l.mark(time.Time{})
}

// dispatcher routes inbound events. It only inspects the challenge nonce,
// the sequence number and the heartbeat marker.
type dispatcher struct {
	clock clock.Clock

	mu  sync.Mutex
	seq seqTracker

	gaps    atomic.Int64
	live    liveness
	handler atomic.Pointer[EventHandler]
}

func newDispatcher(clk clock.Clock) *dispatcher {
	return &dispatcher{clock: clk}
}

func (d *dispatcher) setHandler(h EventHandler) {
	if h == nil {
		d.handler.Store(nil)
		return
	}
	d.handler.Store(&h)
}

// reset starts a new sequence space for a fresh connection.
func (d *dispatcher) reset() {
	d.mu.Lock()
	d.seq = seqTracker{}
	d.mu.Unlock()
	d.live.reset()
}

func (d *dispatcher) lastSeq() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq.last, d.seq.has
}

// dispatch handles one event. A connect.challenge is consumed and its nonce
// returned with challenge=true; every other event goes to the handler.
func (d *dispatcher) dispatch(ev *protocol.EventFrame) (nonce string, challenge bool) {
	if ev.Event == protocol.EventConnectChallenge {
		return ev.Nonce(), true
	}

	if ev.Seq != nil {
		seq := *ev.Seq
		d.mu.Lock()
		expected, gap := d.seq.observe(seq)
		d.mu.Unlock()
		if gap {
			d.gaps.Add(1)
			observ.IncCounter("gateway_event_gaps_total", nil)
			observ.Warn("gateway_event_gap", map[string]any{
				"expected":   expected,
				"got":        seq,
				"event_name": ev.Event,
			})
		}
	}

	if ev.Event == protocol.EventTick {
		d.live.mark(d.clock.Now())
	}

	d.deliver(ev)
	return "", false
}

func (d *dispatcher) deliver(ev *protocol.EventFrame) {
	h := d.handler.Load()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			observ.Error("gateway_event_handler_panic", map[string]any{
				"event_name": ev.Event,
				"panic":      r,
			})
		}
	}()
	(*h)(*ev)
}

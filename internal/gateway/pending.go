package gateway

import (
	"encoding/json"
	"sync"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

type result struct {
	payload json.RawMessage
	err     error
}

// pendingCall tracks one in-flight request. done is buffered so the single
// completion never blocks the read loop.
type pendingCall struct {
	id          string
	method      string
	expectFinal bool
	done        chan result
}

type resolution int

const (
	resolveDropped   resolution = iota // no entry for the id
	resolveAccepted                    // intermediate ack, entry kept
	resolveCompleted                   // entry removed and completed
)

// pendingTable is the only state shared between request senders and the
// read loop. An entry is completed by whoever removes it from the map, so
// each call completes exactly once.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(id, method string, expectFinal bool) *pendingCall {
	call := &pendingCall{
		id:          id,
		method:      method,
		expectFinal: expectFinal,
		done:        make(chan result, 1),
	}
	t.mu.Lock()
	t.calls[id] = call
	n := len(t.calls)
	t.mu.Unlock()
	observ.SetGauge("gateway_pending_requests", float64(n), nil)
	return call
}

// remove drops an entry without completing it. Reports whether it was present.
func (t *pendingTable) remove(id string) bool {
	t.mu.Lock()
	_, ok := t.calls[id]
	delete(t.calls, id)
	n := len(t.calls)
	t.mu.Unlock()
	observ.SetGauge("gateway_pending_requests", float64(n), nil)
	return ok
}

func (t *pendingTable) resolve(res *protocol.ResponseFrame) resolution {
	t.mu.Lock()
	call, ok := t.calls[res.ID]
	if !ok {
		t.mu.Unlock()
		return resolveDropped
	}
	if call.expectFinal && res.Status() == protocol.StatusAccepted {
		t.mu.Unlock()
		return resolveAccepted
	}
	delete(t.calls, res.ID)
	n := len(t.calls)
	t.mu.Unlock()
	observ.SetGauge("gateway_pending_requests", float64(n), nil)

	if res.OK {
		call.done <- result{payload: res.Payload}
	} else {
		call.done <- result{err: res.Err()}
	}
	return resolveCompleted
}

// failAll rejects every pending call with err and empties the table.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()
	observ.SetGauge("gateway_pending_requests", 0, nil)

	for _, call := range calls {
		call.done <- result{err: err}
	}
	return len(calls)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

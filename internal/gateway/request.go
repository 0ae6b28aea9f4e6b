package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

type requestOptions struct {
	expectFinal bool
}

// RequestOption modifies a single Request call.
type RequestOption func(*requestOptions)

// WithExpectFinal makes the call ignore an intermediate {"status":"accepted"}
// response and wait for the terminal one with the same id.
func WithExpectFinal() RequestOption {
	return func(o *requestOptions) { o.expectFinal = true }
}

// Request sends method with params and waits for the matching response.
// It returns ErrNotConnected without sending when no socket is open. A
// response with ok=false is returned as *protocol.ErrorShape; a connection
// loss as *ClosedError; shutdown as ErrStopped.
//
// Cancelling ctx abandons the wait and drops the pending entry. The request
// may still be processed by the gateway.
func (c *Client) Request(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !c.hasConn() {
		observ.IncCounter("gateway_requests_total", map[string]string{"method": method, "outcome": "not_connected"})
		return nil, ErrNotConnected
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", method, err)
		}
	}

	if c.cfg.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}
	}

	start := time.Now()
	call, err := c.send(method, params, o.expectFinal)
	if err != nil {
		observ.IncCounter("gateway_requests_total", map[string]string{"method": method, "outcome": outcomeOf(err)})
		return nil, err
	}

	var res result
	select {
	case res = <-call.done:
	case <-ctx.Done():
		if c.pending.remove(call.id) {
			observ.IncCounter("gateway_requests_total", map[string]string{"method": method, "outcome": "cancelled"})
			return nil, ctx.Err()
		}
		// completed concurrently with cancellation
		res = <-call.done
	}

	observ.RecordDuration("gateway_request_duration", time.Since(start), map[string]string{"method": method})
	observ.IncCounter("gateway_requests_total", map[string]string{"method": method, "outcome": outcomeOf(res.err)})
	return res.payload, res.err
}

func (c *Client) hasConn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.stopped
}

// send registers a pending entry and writes the request frame. The entry is
// added under c.mu so a concurrent close either sees it in failAll or the
// sender sees no connection.
func (c *Client) send(method string, params any, expectFinal bool) (*pendingCall, error) {
	id := uuid.NewString()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	call := c.pending.add(id, method, expectFinal)
	c.mu.Unlock()

	if err := conn.WriteMessage(data); err != nil {
		if c.pending.remove(id) {
			return nil, fmt.Errorf("write %s: %w", method, err)
		}
		// the close sweep already completed the entry
		res := <-call.done
		return nil, res.err
	}
	return call, nil
}

func outcomeOf(err error) string {
	var shape *protocol.ErrorShape
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &shape):
		return "error"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}

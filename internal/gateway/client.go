// Package gateway implements the persistent client for the agent gateway:
// challenge/connect handshake, correlated requests over one websocket,
// sequence-checked event delivery, heartbeat watchdog and reconnect with
// exponential backoff.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
	"github.com/Rajchodisetti/clawgate/internal/transport"
)

// Client owns at most one gateway connection at a time.
type Client struct {
	cfg      Config
	dialer   transport.Dialer
	clock    clock.Clock
	limiter  *rate.Limiter
	pending  *pendingTable
	dispatch *dispatcher

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc

	mu             sync.Mutex
	conn           transport.Conn
	gen            uint64 // bumped for every dial and by Stop
	dialing        bool
	state          transport.ConnectionState
	stopped        bool
	connectSent    bool
	nonce          string
	closeCode      int // local close cause for the current socket
	closeReason    string
	connectTimer   *clock.Timer
	reconnectTimer *clock.Timer
	watchdog       *watchdog
	backoff        *Backoff
	hello          *protocol.HelloOK
	sessionKey     string
	ready          chan struct{} // closed while state is ready
}

// New creates a client. Nothing is dialed until Start.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, errMissingToken
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		clock:   clock.New(),
		pending: newPendingTable(),
		ctx:     ctx,
		cancel:  cancel,
		backoff: NewBackoff(cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.MaxAttempts),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		d := transport.NewWebSocketDialer(cfg.Origin)
		d.MaxPayload = cfg.MaxPayload
		c.dialer = d
	}
	if c.dispatch == nil {
		c.dispatch = newDispatcher(c.clock)
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst)
	}
	return c, nil
}

// SetEventHandler replaces the handler receiving forwarded events. A nil
// handler discards events.
func (c *Client) SetEventHandler(h EventHandler) {
	if c.dispatch == nil {
		c.dispatch = newDispatcher(c.clock)
	}
	c.dispatch.setHandler(h)
}

// Start opens a connection in the background. It is a no-op after Stop or
// while a socket is open or being dialed. Calling Start after the reconnect
// ceiling was hit restarts the backoff schedule.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.conn != nil || c.dialing {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.backoff.Exhausted() {
		c.backoff.Reset()
	}
	c.dialLocked()
}

// Stop shuts the client down for good: timers are cancelled, the socket is
// closed and pending requests fail with ErrStopped. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancel()
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.dialing = false
	c.sessionKey = ""
	c.setStateLocked(transport.StateClosed)
	n := c.pending.failAll(ErrStopped)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(transport.CloseNormal, "client stopped")
	}
	observ.Log("gateway_stopped", map[string]any{"failed_requests": n})
}

// WaitReady blocks until the handshake has completed, the context ends or
// the client is stopped.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-c.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the handshake has completed on the current socket.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == transport.StateReady
}

func (c *Client) State() transport.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionKey returns the key stored by the last ResolveSession, or "".
func (c *Client) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// Hello returns the last handshake result, or nil before the first one.
func (c *Client) Hello() *protocol.HelloOK {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil {
		return nil
	}
	h := *c.hello
	return &h
}

// Nonce returns the nonce from the current socket's challenge, if any.
func (c *Client) Nonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce
}

// GapsDetected counts sequence gaps seen since the client was created.
func (c *Client) GapsDetected() int64 {
	return c.dispatch.gaps.Load()
}

// PendingCount is the number of requests awaiting a response.
func (c *Client) PendingCount() int {
	return c.pending.len()
}

// ReconnectAttempts is the attempt counter of the backoff schedule.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Attempts()
}

func (c *Client) setStateLocked(s transport.ConnectionState) {
	c.state = s
	observ.SetGauge("gateway_connection_state", float64(s), nil)
}

func (c *Client) stopTimersLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.watchdog != nil {
		c.watchdog.stop()
		c.watchdog = nil
	}
}

func (c *Client) dialLocked() {
	c.gen++
	c.dialing = true
	go c.run(c.gen)
}

// run dials and then reads the socket until it fails. All inbound frames
// of one connection are handled sequentially here.
func (c *Client) run(gen uint64) {
	conn, err := c.dialer.Dial(c.ctx, c.cfg.URL)

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(transport.CloseNormal, "client stopped")
		}
		return
	}
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		observ.Warn("gateway_dial_failed", map[string]any{"url": c.cfg.URL, "error": err.Error()})
		c.handleClose(gen, err)
		return
	}
	c.conn = conn
	c.connectSent = false
	c.nonce = ""
	c.closeCode, c.closeReason = 0, ""
	c.dispatch.reset()
	c.setStateLocked(transport.StateAwaitingChallenge)
	// tolerate gateways that never send a challenge
	c.connectTimer = c.clock.AfterFunc(c.cfg.HandshakeDelay, func() { c.sendConnect(gen) })
	c.mu.Unlock()

	observ.Log("gateway_socket_open", map[string]any{"url": c.cfg.URL})

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleMessage(gen, data)
	}
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	if !c.isCurrent(gen) {
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		observ.IncCounter("gateway_decode_errors_total", nil)
		observ.Warn("gateway_decode_error", map[string]any{"error": err.Error(), "bytes": len(data)})
		return
	}

	switch frame.Type {
	case protocol.FrameEvent:
		if nonce, challenge := c.dispatch.dispatch(frame.Event); challenge {
			c.handleChallenge(gen, nonce)
		}
	case protocol.FrameResponse:
		if c.pending.resolve(frame.Response) == resolveDropped {
			observ.Debug("gateway_response_unmatched", map[string]any{"id": frame.Response.ID})
		}
	default:
		observ.Debug("gateway_unexpected_frame", map[string]any{"type": frame.Type})
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.stopped
}

func (c *Client) handleChallenge(gen uint64, nonce string) {
	if nonce == "" {
		return
	}
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.nonce = nonce
	c.mu.Unlock()
	c.sendConnect(gen)
}

func (c *Client) connectParams() protocol.ConnectParams {
	return protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:          c.cfg.ClientID,
			DisplayName: c.cfg.DisplayName,
			Version:     c.cfg.ClientVersion,
			Platform:    c.cfg.Platform,
			Mode:        c.cfg.Mode,
		},
		Role:   c.cfg.Role,
		Scopes: c.cfg.Scopes,
		Auth:   protocol.AuthParams{Token: c.cfg.Token},
	}
}

// sendConnect sends the connect request at most once per socket.
func (c *Client) sendConnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped || c.conn == nil || c.connectSent {
		c.mu.Unlock()
		return
	}
	c.connectSent = true
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.setStateLocked(transport.StateAwaitingHello)
	c.mu.Unlock()

	call, err := c.send(protocol.MethodConnect, c.connectParams(), false)
	if err != nil {
		observ.Error("gateway_connect_failed", map[string]any{"error": err.Error()})
		c.closeConn(gen, transport.ClosePolicyViolation, "connect failed")
		return
	}
	go c.awaitHello(gen, call)
}

func (c *Client) awaitHello(gen uint64, call *pendingCall) {
	res := <-call.done
	err := res.err
	var hello protocol.HelloOK
	if err == nil {
		if uerr := json.Unmarshal(res.payload, &hello); uerr != nil {
			err = fmt.Errorf("decode hello: %w", uerr)
		}
	}
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrStopped) {
			return
		}
		observ.Error("gateway_connect_failed", map[string]any{"error": err.Error()})
		c.closeConn(gen, transport.ClosePolicyViolation, "connect failed")
		return
	}
	c.onHello(gen, &hello)
}

func (c *Client) onHello(gen uint64, hello *protocol.HelloOK) {
	c.mu.Lock()
	if gen != c.gen || c.stopped || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.hello = hello
	c.backoff.Reset()

	interval := hello.Policy.TickInterval()
	if interval <= 0 {
		interval = c.cfg.DefaultTickInterval
	}
	c.dispatch.live.mark(c.clock.Now())
	c.watchdog = startWatchdog(c.clock, interval, c.cfg.MinTickInterval, &c.dispatch.live, func(elapsed time.Duration) {
		observ.IncCounter("gateway_watchdog_timeouts_total", nil)
		observ.Warn("gateway_tick_timeout", map[string]any{"elapsed_ms": elapsed.Milliseconds()})
		c.closeConn(gen, transport.CloseTickTimeout, "tick timeout")
	})
	c.setStateLocked(transport.StateReady)
	close(c.ready)
	c.mu.Unlock()

	observ.IncCounter("gateway_connects_total", nil)
	observ.Log("gateway_connected", map[string]any{
		"server_version":   hello.Server.Version,
		"conn_id":          hello.Server.ConnID,
		"protocol":         hello.Protocol,
		"tick_interval_ms": interval.Milliseconds(),
	})
}

// closeConn closes the current socket if it still belongs to gen. The read
// loop then observes the failure and runs handleClose.
func (c *Client) closeConn(gen uint64, code int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if c.closeCode == 0 {
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()
	_ = conn.Close(code, reason)
}

// handleClose tears down per-connection state, fails every pending request
// with one ClosedError and schedules the next attempt.
func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	closed := c.closedError(cause)
	wasReady := c.state == transport.StateReady
	c.conn = nil
	c.dialing = false
	c.closeCode, c.closeReason = 0, ""
	c.stopTimersLocked()
	if wasReady {
		c.ready = make(chan struct{})
	}
	c.setStateLocked(transport.StateIdle)
	n := c.pending.failAll(closed)

	observ.Log("gateway_closed", map[string]any{
		"code":            closed.Code,
		"reason":          closed.Reason,
		"failed_requests": n,
	})
	if !c.stopped {
		c.scheduleReconnectLocked(gen)
	}
	c.mu.Unlock()
}

func (c *Client) closedError(cause error) *ClosedError {
	if c.closeCode != 0 {
		return &ClosedError{Code: c.closeCode, Reason: c.closeReason}
	}
	var ce *transport.CloseError
	if errors.As(cause, &ce) {
		return &ClosedError{Code: ce.Code, Reason: ce.Reason}
	}
	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	return &ClosedError{Code: 1006, Reason: reason}
}

func (c *Client) scheduleReconnectLocked(gen uint64) {
	delay, ok := c.backoff.Next()
	if !ok {
		observ.IncCounter("gateway_reconnect_giveups_total", nil)
		observ.Error("gateway_reconnect_giveup", map[string]any{"attempts": c.backoff.Attempts() - 1})
		return
	}
	observ.IncCounter("gateway_reconnects_scheduled_total", nil)
	observ.Log("gateway_reconnect_scheduled", map[string]any{
		"delay_ms": delay.Milliseconds(),
		"attempt":  c.backoff.Attempts(),
	})
	c.reconnectTimer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || gen != c.gen || c.conn != nil || c.dialing {
		return
	}
	c.reconnectTimer = nil
	c.dialLocked()
}

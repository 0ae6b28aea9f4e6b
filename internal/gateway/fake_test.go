package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/clawgate/internal/protocol"
	"github.com/Rajchodisetti/clawgate/internal/transport"
)

const waitFor = 2 * time.Second

// fakeConn is an in-memory transport.Conn. The test side pushes inbound
// frames and reads what the client wrote.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once   sync.Once
	mu     sync.Mutex
	code   int
	reason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-f.in:
		return b, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		return nil, &transport.CloseError{Code: f.code, Reason: f.reason}
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return transport.ErrClosed
	}
}

func (f *fakeConn) Close(code int, reason string) error {
	f.once.Do(func() {
		f.mu.Lock()
		f.code, f.reason = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeConn) closeCode() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.reason
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := protocol.Encode(frame)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) pushRaw(data string) {
	f.in <- []byte(data)
}

func (f *fakeConn) nextRequest(t *testing.T) *protocol.RequestFrame {
	t.Helper()
	select {
	case data := <-f.out:
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		require.Equal(t, protocol.FrameRequest, frame.Type)
		return frame.Request
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for request frame")
		return nil
	}
}

func (f *fakeConn) assertNoRequest(t *testing.T) {
	t.Helper()
	select {
	case data := <-f.out:
		t.Fatalf("unexpected frame written: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *fakeConn) reply(t *testing.T, id string, payload any) {
	t.Helper()
	res, err := protocol.NewOKResponse(id, payload)
	require.NoError(t, err)
	f.push(t, res)
}

func (f *fakeConn) event(t *testing.T, name string, payload any, seq int64) {
	t.Helper()
	ev, err := protocol.NewEvent(name, payload, seq)
	require.NoError(t, err)
	f.push(t, ev)
}

// fakeDialer hands out a new fakeConn per dial, or fails while err is set.
type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32

	mu  sync.Mutex
	err error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) failWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

var errDialRefused = errors.New("connection refused")

func testConfig() Config {
	return Config{URL: "ws://gateway.test", Token: "secret-token"}
}

func newTestClient(t *testing.T, mutate func(*Config), opts ...Option) (*Client, *fakeDialer, *clock.Mock) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	dialer := newFakeDialer()
	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock), WithDialer(dialer)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, dialer, mock
}

// handshake answers the challenge and connect request on conn and waits for
// the client to become ready. tickMs of zero omits the policy interval.
func handshake(t *testing.T, c *Client, conn *fakeConn, tickMs int64) *protocol.RequestFrame {
	t.Helper()
	conn.event(t, protocol.EventConnectChallenge, map[string]any{"nonce": "abc", "ts": 1}, 0)
	req := conn.nextRequest(t)
	require.Equal(t, protocol.MethodConnect, req.Method)
	conn.reply(t, req.ID, protocol.HelloOK{
		Type:     "hello-ok",
		Protocol: protocol.ProtocolVersion,
		Server:   protocol.ServerInfo{Version: "2026.1.0", ConnID: "conn-1"},
		Policy:   protocol.Policy{MaxPayload: 1 << 20, MaxBufferedBytes: 1 << 22, TickIntervalMs: tickMs},
	})
	require.Eventually(t, c.IsConnected, waitFor, 5*time.Millisecond)
	return req
}

// startReady starts c and completes the handshake on the first socket.
func startReady(t *testing.T, c *Client, dialer *fakeDialer) *fakeConn {
	t.Helper()
	c.Start()
	conn := dialer.next(t)
	handshake(t, c, conn, 30000)
	return conn
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// goRequest runs Request in the background.
func goRequest(c *Client, method string, params any, opts ...RequestOption) <-chan requestResult {
	ch := make(chan requestResult, 1)
	go func() {
		payload, err := c.Request(context.Background(), method, params, opts...)
		ch <- requestResult{payload, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan requestResult) requestResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for request to complete")
		return requestResult{}
	}
}

func assertPending(t *testing.T, ch <-chan requestResult) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("request completed early: payload=%s err=%v", r.payload, r.err)
	case <-time.After(50 * time.Millisecond):
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.EventFrame
}

func (r *eventRecorder) handle(ev protocol.EventFrame) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Event)
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func assertClosedWith(t *testing.T, conn *fakeConn, code int, reason string) {
	t.Helper()
	require.Eventually(t, conn.isClosed, waitFor, 5*time.Millisecond)
	gotCode, gotReason := conn.closeCode()
	assert.Equal(t, code, gotCode)
	assert.Equal(t, reason, gotReason)
}

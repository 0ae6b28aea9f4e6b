package stubs

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/clawgate/internal/gateway"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

const testToken = "stub-token"

type chatLog struct {
	mu     sync.Mutex
	events []protocol.EventFrame
}

func (l *chatLog) handle(ev protocol.EventFrame) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *chatLog) chatStates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var states []string
	for _, ev := range l.events {
		if ev.Event != protocol.EventChat {
			continue
		}
		var ce protocol.ChatEvent
		if json.Unmarshal(ev.Payload, &ce) == nil {
			states = append(states, ce.State)
		}
	}
	return states
}

func (l *chatLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Event == event {
			n++
		}
	}
	return n
}

func startStub(t *testing.T, opts Options) (*GatewayServer, string) {
	t.Helper()
	stub := NewGatewayServer(opts)
	srv := httptest.NewServer(stub.Routes())
	t.Cleanup(func() {
		stub.DropAll(1001, "shutdown")
		srv.Close()
	})
	return stub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, url, token string, log *chatLog) *gateway.Client {
	t.Helper()
	cfg := gateway.Config{
		URL:   url,
		Token: token,
		Reconnect: gateway.ReconnectConfig{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			MaxAttempts:  -1,
		},
	}
	var opts []gateway.Option
	if log != nil {
		opts = append(opts, gateway.WithEventHandler(log.handle))
	}
	c, err := gateway.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	c.Start()
	return c
}

func waitReady(t *testing.T, c *gateway.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}

func TestGatewayServer_ChatRoundTrip(t *testing.T) {
	_, url := startStub(t, Options{Token: testToken, TickInterval: 10 * time.Second})
	log := &chatLog{}
	c := startClient(t, url, testToken, log)
	waitReady(t, c)

	hello := c.Hello()
	require.NotNil(t, hello)
	assert.Equal(t, protocol.ProtocolVersion, hello.Protocol)
	assert.EqualValues(t, 10000, hello.Policy.TickIntervalMs)
	assert.True(t, hello.Features.HasMethod(protocol.MethodChatSend))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := c.ResolveSession(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, "agent:main:main", sess.Key)
	assert.Equal(t, "agent:main:main", c.SessionKey())

	payload, key, err := c.SendMessage(ctx, protocol.ChatSendParams{Message: "hello world"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"runId":"`+key+`","status":"ok"}`, string(payload))
	assert.Equal(t, []string{"delta", "delta", "delta", "final"}, log.chatStates())

	// same idempotency key returns the stored result without a new run
	payload, _, err = c.SendMessage(ctx, protocol.ChatSendParams{Message: "hello world", IdempotencyKey: key})
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"status":"ok"`)
	assert.Len(t, log.chatStates(), 4)

	history, err := c.ChatHistory(ctx, "main", 0)
	require.NoError(t, err)
	assert.Equal(t, "agent:main:main", history.SessionKey)
	require.Len(t, history.Messages, 2)
	var reply protocol.ChatMessage
	require.NoError(t, json.Unmarshal(history.Messages[1], &reply))
	assert.Equal(t, "echo: hello world", reply.Content[0].Text)

	assert.EqualValues(t, 0, c.GapsDetected())
}

func TestGatewayServer_Abort(t *testing.T) {
	_, url := startStub(t, Options{Token: testToken, ChunkDelay: 100 * time.Millisecond})
	log := &chatLog{}
	c := startClient(t, url, testToken, log)
	waitReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type out struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan out, 1)
	go func() {
		payload, _, err := c.SendMessage(ctx, protocol.ChatSendParams{
			SessionKey: "main",
			Message:    "one two three four five six seven eight",
		})
		done <- out{payload, err}
	}()

	require.Eventually(t, func() bool { return log.count(protocol.EventChat) > 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.AbortChat(ctx, "main", ""))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Contains(t, string(o.payload), `"status":"aborted"`)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish after abort")
	}
	states := log.chatStates()
	require.NotEmpty(t, states)
	assert.Equal(t, protocol.ChatStateAborted, states[len(states)-1])
}

func TestGatewayServer_RejectsBadToken(t *testing.T) {
	stub, url := startStub(t, Options{Token: testToken})
	c := startClient(t, url, "wrong", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)
	assert.False(t, c.IsConnected())

	c.Stop()
	assert.Eventually(t, func() bool { return stub.GetConnectedClients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayServer_ReconnectAfterDrop(t *testing.T) {
	stub, url := startStub(t, Options{Token: testToken})
	c := startClient(t, url, testToken, nil)
	waitReady(t, c)
	first := c.Hello().Server.ConnID

	stub.DropAll(1012, "service restart")

	require.Eventually(t, func() bool {
		h := c.Hello()
		return c.IsConnected() && h != nil && h.Server.ConnID != first
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.ReconnectAttempts())
	assert.Eventually(t, func() bool { return stub.GetConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayServer_SequenceGap(t *testing.T) {
	stub, url := startStub(t, Options{Token: testToken})
	log := &chatLog{}
	c := startClient(t, url, testToken, log)
	waitReady(t, c)

	stub.BroadcastEvent("presence", map[string]any{"n": 1})
	require.Eventually(t, func() bool { return log.count("presence") == 1 }, 2*time.Second, 10*time.Millisecond)

	stub.SkipSequence(2)
	stub.BroadcastEvent("presence", map[string]any{"n": 2})
	require.Eventually(t, func() bool { return log.count("presence") == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, c.GapsDetected())
}

func TestGatewayServer_SilentGatewayReplaced(t *testing.T) {
	stub, url := startStub(t, Options{Token: testToken, TickInterval: 300 * time.Millisecond})
	log := &chatLog{}
	c := startClient(t, url, testToken, log)
	waitReady(t, c)
	first := c.Hello().Server.ConnID

	require.Eventually(t, func() bool { return log.count(protocol.EventTick) > 0 }, 2*time.Second, 10*time.Millisecond)
	stub.SetSilent(true)

	require.Eventually(t, func() bool {
		h := c.Hello()
		return h != nil && h.Server.ConnID != first
	}, 5*time.Second, 20*time.Millisecond)
	stub.SetSilent(false)
	require.Eventually(t, c.IsConnected, 5*time.Second, 20*time.Millisecond)
}

func TestGatewayServer_SessionManagement(t *testing.T) {
	_, url := startStub(t, Options{Token: testToken})
	c := startClient(t, url, testToken, nil)
	waitReady(t, c)
	assert.True(t, c.Hello().Features.HasMethod(protocol.MethodSessionsList))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// an unknown label falls back to a fresh custom key that is then labelled
	created, err := c.CreateSession(ctx, "Research", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Key, "agent:main:custom:"))

	again, err := c.CreateSession(ctx, "Research", false)
	require.NoError(t, err)
	assert.Equal(t, created.Key, again.Key)

	_, _, err = c.SendMessage(ctx, protocol.ChatSendParams{SessionKey: created.Key, Message: "what is new"})
	require.NoError(t, err)

	list, err := c.ListSessions(ctx, protocol.SessionsListParams{Limit: 50, IncludeDerivedTitles: true})
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "Research", list.Sessions[0].Label)
	assert.Equal(t, "what is new", list.Sessions[0].DerivedTitle)

	patched, err := c.PatchSession(ctx, created.Key, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", patched.Entry.Label)

	res, err := c.DeleteSession(ctx, created.Key, false)
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.Len(t, res.Archived, 1)

	list, err = c.ListSessions(ctx, protocol.SessionsListParams{})
	require.NoError(t, err)
	assert.Zero(t, list.Count)
	assert.Equal(t, []protocol.SessionEntry{}, list.Sessions)
}

func TestGatewayServer_DeleteMainRejected(t *testing.T) {
	_, url := startStub(t, Options{Token: testToken})
	c := startClient(t, url, testToken, nil)
	waitReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Request(ctx, protocol.MethodSessionsDelete, protocol.SessionsDeleteParams{Key: "main"})
	var shape *protocol.ErrorShape
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, protocol.CodeInvalidRequest, shape.Code)
}

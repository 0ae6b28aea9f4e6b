package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

func TestMatchSession(t *testing.T) {
	tests := []struct {
		eventKey, key string
		want          bool
	}{
		{"main", "main", true},
		{"agent:main:main", "main", true},
		{"agent:ops:main", "main", true},
		{"agent:main:custom:abc", "custom:abc", true},
		{"agent:main:other", "main", false},
		{"domain", "main", false},
		{"", "main", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, matchSession(tc.eventKey, tc.key), "%s vs %s", tc.eventKey, tc.key)
	}
}

func event(t *testing.T, name string, payload any) protocol.EventFrame {
	t.Helper()
	ev, err := protocol.NewEvent(name, payload, 1)
	require.NoError(t, err)
	return *ev
}

func TestTranslate(t *testing.T) {
	delta := event(t, protocol.EventChat, map[string]any{
		"runId": "r1", "sessionKey": "agent:main:main", "state": "delta",
		"message": map[string]any{"role": "assistant", "content": []map[string]string{{"type": "text", "text": "hi"}}},
	})
	out, ok, done := translate(delta, "main")
	require.True(t, ok)
	assert.False(t, done)
	assert.Equal(t, StreamContent, out.Type)
	assert.Equal(t, "hi", out.ContentBlocks[0].Text)

	final := event(t, protocol.EventChat, map[string]any{
		"runId": "r1", "sessionKey": "agent:main:main", "state": "final", "stopReason": "stop",
		"usage": map[string]int{"output": 2},
	})
	out, ok, done = translate(final, "main")
	require.True(t, ok)
	assert.True(t, done)
	assert.Equal(t, StreamFinish, out.Type)
	assert.Equal(t, "stop", out.StopReason)
	assert.JSONEq(t, `{"output":2}`, string(out.Usage))

	aborted := event(t, protocol.EventChat, map[string]any{"runId": "r1", "sessionKey": "main", "state": "aborted"})
	out, _, done = translate(aborted, "main")
	assert.True(t, done)
	assert.Equal(t, "aborted", out.StopReason)

	failed := event(t, protocol.EventChat, map[string]any{"sessionKey": "main", "state": "error"})
	out, _, done = translate(failed, "main")
	assert.True(t, done)
	assert.Equal(t, StreamError, out.Type)
	assert.Equal(t, "Unknown error", out.Error)

	thinking := event(t, protocol.EventAgent, map[string]any{
		"runId": "r1", "sessionKey": "agent:main:main", "stream": "thinking", "data": map[string]string{"text": "hmm"},
	})
	out, ok, _ = translate(thinking, "main")
	require.True(t, ok)
	assert.Equal(t, "thinking", out.ContentBlocks[0].Type)
	assert.Equal(t, "hmm", out.ContentBlocks[0].Thinking)

	tool := event(t, protocol.EventAgent, map[string]any{
		"sessionKey": "main", "stream": "toolCall",
		"data": map[string]any{"name": "search", "id": "t1", "arguments": map[string]string{"q": "go"}},
	})
	out, ok, _ = translate(tool, "main")
	require.True(t, ok)
	assert.Equal(t, "search", out.ContentBlocks[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(out.ContentBlocks[0].Arguments))

	otherSession := event(t, protocol.EventChat, map[string]any{"sessionKey": "agent:main:other", "state": "final"})
	_, ok, _ = translate(otherSession, "main")
	assert.False(t, ok)

	_, ok, _ = translate(event(t, protocol.EventTick, map[string]int{"ts": 1}), "main")
	assert.False(t, ok)

	assistant := event(t, protocol.EventAgent, map[string]any{"sessionKey": "main", "stream": "assistant", "data": map[string]string{"text": "x"}})
	_, ok, _ = translate(assistant, "main")
	assert.False(t, ok)
}

func TestHub(t *testing.T) {
	h := NewHub()
	a, unsubA := h.Subscribe(4)
	b, unsubB := h.Subscribe(1)
	assert.Equal(t, 2, h.Subscribers())

	h.Publish(event(t, "one", nil))
	h.Publish(event(t, "two", nil)) // b is full and drops this

	assert.Equal(t, "one", (<-a).Event)
	assert.Equal(t, "two", (<-a).Event)
	assert.Equal(t, "one", (<-b).Event)
	select {
	case ev := <-b:
		t.Fatalf("unexpected event %s", ev.Event)
	case <-time.After(10 * time.Millisecond):
	}

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)
	unsubB()
	assert.Equal(t, 0, h.Subscribers())
	h.Publish(event(t, "three", nil))
}

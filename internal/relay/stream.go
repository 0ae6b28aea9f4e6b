package relay

import (
	"encoding/json"
	"strings"

	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

// Stream event types sent to browsers over SSE.
const (
	StreamStart   = "start"
	StreamContent = "content"
	StreamFinish  = "finish"
	StreamError   = "error"
)

// StreamEvent is one SSE data payload of /api/chat/stream.
type StreamEvent struct {
	Type          string                  `json:"type"`
	SessionKey    string                  `json:"sessionKey,omitempty"`
	RunID         string                  `json:"runId,omitempty"`
	ContentBlocks []protocol.ContentBlock `json:"contentBlocks,omitempty"`
	Usage         json.RawMessage         `json:"usage,omitempty"`
	StopReason    string                  `json:"stopReason,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// matchSession reports whether an event's session key belongs to key. The
// gateway reports canonical keys ("agent:main:main") for short ones ("main").
func matchSession(eventKey, key string) bool {
	if eventKey == "" {
		return false
	}
	return eventKey == key ||
		eventKey == "agent:"+key+":"+key ||
		strings.HasSuffix(eventKey, ":"+key)
}

// translate maps a gateway event to a stream event for sessionKey. ok is
// false when the event is irrelevant; done is true for terminal events.
func translate(ev protocol.EventFrame, sessionKey string) (out StreamEvent, ok, done bool) {
	switch ev.Event {
	case protocol.EventAgent:
		var p protocol.AgentEvent
		if json.Unmarshal(ev.Payload, &p) != nil || !matchSession(p.SessionKey, sessionKey) {
			return out, false, false
		}
		block, ok := agentBlock(p)
		if !ok {
			return out, false, false
		}
		return StreamEvent{Type: StreamContent, RunID: p.RunID, ContentBlocks: []protocol.ContentBlock{block}}, true, false

	case protocol.EventChat:
		var p protocol.ChatEvent
		if json.Unmarshal(ev.Payload, &p) != nil || !matchSession(p.SessionKey, sessionKey) {
			return out, false, false
		}
		switch p.State {
		case protocol.ChatStateDelta:
			var msg protocol.ChatMessage
			if len(p.Message) == 0 || json.Unmarshal(p.Message, &msg) != nil || len(msg.Content) == 0 {
				return out, false, false
			}
			return StreamEvent{Type: StreamContent, RunID: p.RunID, ContentBlocks: msg.Content}, true, false
		case protocol.ChatStateFinal:
			return StreamEvent{Type: StreamFinish, RunID: p.RunID, Usage: p.Usage, StopReason: p.StopReason}, true, true
		case protocol.ChatStateAborted:
			return StreamEvent{Type: StreamFinish, RunID: p.RunID, StopReason: "aborted"}, true, true
		case protocol.ChatStateError:
			msg := p.ErrorMessage
			if msg == "" {
				msg = "Unknown error"
			}
			return StreamEvent{Type: StreamError, RunID: p.RunID, Error: msg}, true, true
		}
	}
	return out, false, false
}

// agentBlock extracts thinking and tool call blocks from agent streams.
func agentBlock(p protocol.AgentEvent) (protocol.ContentBlock, bool) {
	switch p.Stream {
	case "thinking":
		var d struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(p.Data, &d) != nil || d.Text == "" {
			return protocol.ContentBlock{}, false
		}
		return protocol.ContentBlock{Type: "thinking", Thinking: d.Text}, true
	case "toolCall":
		var d struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			ID        string          `json:"id"`
		}
		if json.Unmarshal(p.Data, &d) != nil || d.Name == "" {
			return protocol.ContentBlock{}, false
		}
		return protocol.ContentBlock{Type: "toolCall", Name: d.Name, Arguments: d.Arguments, ID: d.ID}, true
	}
	return protocol.ContentBlock{}, false
}

package protocol

import "encoding/json"

// Chat event states
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

type SessionsResolveParams struct {
	Key            string `json:"key,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	Label          string `json:"label,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	SpawnedBy      string `json:"spawnedBy,omitempty"`
	IncludeGlobal  bool   `json:"includeGlobal,omitempty"`
	IncludeUnknown bool   `json:"includeUnknown,omitempty"`
}

type SessionsResolveResult struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
}

// ChatSendParams is the payload of chat.send. IdempotencyKey lets the gateway
// deduplicate retried sends.
type ChatSendParams struct {
	SessionKey     string            `json:"sessionKey"`
	Message        string            `json:"message"`
	Thinking       string            `json:"thinking,omitempty"`
	Deliver        *bool             `json:"deliver,omitempty"`
	Attachments    []json.RawMessage `json:"attachments,omitempty"`
	TimeoutMs      int64             `json:"timeoutMs,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

type ChatHistoryResult struct {
	SessionKey string            `json:"sessionKey"`
	SessionID  string            `json:"sessionId"`
	Messages   []json.RawMessage `json:"messages"`
}

// ChatEvent is the payload of a "chat" event.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	Seq          int64           `json:"seq"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
}

// AgentEvent is the payload of an "agent" event (thinking, tool calls,
// assistant text streams).
type AgentEvent struct {
	RunID      string          `json:"runId,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Stream     string          `json:"stream,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ContentBlock is one element of a chat message's content array.
type ContentBlock struct {
	Type              string          `json:"type,omitempty"`
	Text              string          `json:"text,omitempty"`
	Thinking          string          `json:"thinking,omitempty"`
	ThinkingSignature string          `json:"thinkingSignature,omitempty"`
	Name              string          `json:"name,omitempty"`
	Arguments         json.RawMessage `json:"arguments,omitempty"`
	ID                string          `json:"id,omitempty"`
}

// ChatMessage is the message body carried by chat events and history.
type ChatMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
)

// MainSessionKey is the agent's default session.
const MainSessionKey = "main"

// ErrMainSession is returned by DeleteSession for the main session.
var ErrMainSession = errors.New("cannot delete main session")

// IsMainSession reports whether key names the main session in either its
// short or canonical form.
func IsMainSession(key string) bool {
	return key == MainSessionKey || key == "agent:main:main"
}

// ResolveSession resolves key to a canonical session and remembers the
// result as the client's current session key.
func (c *Client) ResolveSession(ctx context.Context, key string) (*protocol.SessionsResolveResult, error) {
	payload, err := c.Request(ctx, protocol.MethodSessionsResolve, protocol.SessionsResolveParams{Key: key})
	if err != nil {
		return nil, err
	}
	res, err := decodePayload[protocol.SessionsResolveResult](protocol.MethodSessionsResolve, payload)
	if err != nil {
		return nil, err
	}
	if res.Key != "" {
		c.mu.Lock()
		if !c.stopped {
			c.sessionKey = res.Key
		}
		c.mu.Unlock()
	}
	return res, nil
}

// SendMessage sends a chat message and waits for the run to finish. The
// gateway first acknowledges with status "accepted"; the call returns only
// on the terminal response. An empty IdempotencyKey is filled with a new
// UUID, which is returned alongside the payload so callers can retry.
func (c *Client) SendMessage(ctx context.Context, params protocol.ChatSendParams) (json.RawMessage, string, error) {
	if params.IdempotencyKey == "" {
		params.IdempotencyKey = uuid.NewString()
	}
	if params.SessionKey == "" {
		params.SessionKey = c.SessionKey()
	}
	payload, err := c.Request(ctx, protocol.MethodChatSend, params, WithExpectFinal())
	return payload, params.IdempotencyKey, err
}

// AbortChat aborts the active run for sessionKey. runID may be empty to
// abort whatever is running.
func (c *Client) AbortChat(ctx context.Context, sessionKey, runID string) error {
	_, err := c.Request(ctx, protocol.MethodChatAbort, protocol.ChatAbortParams{SessionKey: sessionKey, RunID: runID})
	return err
}

// ChatHistory fetches up to limit messages for sessionKey. A limit of zero
// leaves the gateway default.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, limit int) (*protocol.ChatHistoryResult, error) {
	payload, err := c.Request(ctx, protocol.MethodChatHistory, protocol.ChatHistoryParams{SessionKey: sessionKey, Limit: limit})
	if err != nil {
		return nil, err
	}
	return decodePayload[protocol.ChatHistoryResult](protocol.MethodChatHistory, payload)
}

// ListSessions returns the gateway's sessions, most recently updated first.
func (c *Client) ListSessions(ctx context.Context, params protocol.SessionsListParams) (*protocol.SessionsListResult, error) {
	payload, err := c.Request(ctx, protocol.MethodSessionsList, params)
	if err != nil {
		return nil, err
	}
	res, err := decodePayload[protocol.SessionsListResult](protocol.MethodSessionsList, payload)
	if err != nil {
		return nil, err
	}
	if res.Sessions == nil {
		res.Sessions = []protocol.SessionEntry{}
	}
	return res, nil
}

// PatchSession sets the label of key.
func (c *Client) PatchSession(ctx context.Context, key, label string) (*protocol.SessionsPatchResult, error) {
	payload, err := c.Request(ctx, protocol.MethodSessionsPatch, protocol.SessionsPatchParams{Key: key, Label: &label})
	if err != nil {
		return nil, err
	}
	return decodePayload[protocol.SessionsPatchResult](protocol.MethodSessionsPatch, payload)
}

// DeleteSession removes key, archiving its transcript unless
// deleteTranscript is set. The main session cannot be deleted.
func (c *Client) DeleteSession(ctx context.Context, key string, deleteTranscript bool) (*protocol.SessionsDeleteResult, error) {
	if IsMainSession(key) {
		return nil, ErrMainSession
	}
	payload, err := c.Request(ctx, protocol.MethodSessionsDelete, protocol.SessionsDeleteParams{Key: key, DeleteTranscript: deleteTranscript})
	if err != nil {
		return nil, err
	}
	res, err := decodePayload[protocol.SessionsDeleteResult](protocol.MethodSessionsDelete, payload)
	if err != nil {
		return nil, err
	}
	if res.Archived == nil {
		res.Archived = []string{}
	}
	return res, nil
}

// CreatedSession is the session CreateSession settled on.
type CreatedSession struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
	Label     string `json:"label,omitempty"`
}

// CreateSession picks a session for label. With createNew it always mints a
// fresh custom key. Otherwise a label is first resolved against the gateway,
// falling back to a fresh key when the gateway rejects it, and no label
// means the main session. Any session other than main is then labelled;
// a failed label update is logged and does not fail the call.
func (c *Client) CreateSession(ctx context.Context, label string, createNew bool) (*CreatedSession, error) {
	out := &CreatedSession{Label: label}
	switch {
	case createNew:
		out.Key = c.customSessionKey()
	case label != "":
		payload, err := c.Request(ctx, protocol.MethodSessionsResolve, protocol.SessionsResolveParams{Label: label, AgentID: "main"})
		var shape *protocol.ErrorShape
		switch {
		case errors.As(err, &shape):
			out.Key = c.customSessionKey()
		case err != nil:
			return nil, err
		default:
			res, err := decodePayload[protocol.SessionsResolveResult](protocol.MethodSessionsResolve, payload)
			if err != nil {
				return nil, err
			}
			out.Key, out.SessionID = res.Key, res.SessionID
		}
	default:
		out.Key = MainSessionKey
	}
	if out.SessionID == "" {
		out.SessionID = out.Key
	}

	if label != "" && !IsMainSession(out.Key) {
		if _, err := c.PatchSession(ctx, out.Key, label); err != nil {
			observ.Warn("gateway_session_label_failed", map[string]any{
				"session_key": out.Key,
				"error":       err.Error(),
			})
		}
	}
	return out, nil
}

// customSessionKey builds a key in the agent:main:custom:<time>-<rand> form
// the gateway treats as a fresh session.
func (c *Client) customSessionKey() string {
	ts := strconv.FormatInt(c.clock.Now().UnixMilli(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "agent:main:custom:" + ts + "-" + suffix
}

func decodePayload[T any](method string, payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return &v, nil
}

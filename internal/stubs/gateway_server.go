package stubs

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
	"github.com/Rajchodisetti/clawgate/internal/transport"
)

const stubVersion = "stub-2026.1"

// Options configures the stub gateway.
type Options struct {
	Token        string        // required auth token; empty accepts any
	TickInterval time.Duration // heartbeat period advertised and emitted; 0 disables ticks
	ChunkDelay   time.Duration // pause between streamed reply chunks
	MaxPayload   int64
}

// GatewayServer is an in-process fake of the agent gateway. It speaks the
// same frames as the real one: challenge, connect/hello-ok, ticks, and the
// sessions/chat methods with streamed chat events.
type GatewayServer struct {
	opts     Options
	upgrader websocket.Upgrader

	clients   map[string]*stubClient
	clientsMu sync.RWMutex

	silent atomic.Bool // suppresses ticks

	store *chatStore
}

// stubClient is one accepted websocket connection.
type stubClient struct {
	id     string
	conn   *transport.WebSocketConn
	authed atomic.Bool
	done   chan struct{}

	emitMu sync.Mutex // keeps seq order equal to write order
	seq    int64
}

// NewGatewayServer creates a stub gateway.
func NewGatewayServer(opts Options) *GatewayServer {
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 25 * 1024 * 1024
	}
	return &GatewayServer{
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[string]*stubClient),
		store:    newChatStore(),
	}
}

// Routes mounts the websocket endpoint at "/" next to health and metrics.
func (s *GatewayServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observ.Handler())
	r.Get("/", s.ServeHTTP)
	return r
}

// ServeHTTP upgrades the request and serves one gateway connection.
func (s *GatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Warn("stub_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	c := &stubClient{
		id:   uuid.NewString(),
		conn: transport.NewWebSocketConn(ws, s.opts.MaxPayload, 0),
		done: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	observ.IncCounter("stub_connections_total", nil)

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, c.id)
		s.clientsMu.Unlock()
		close(c.done)
		_ = c.conn.Close(transport.CloseNormal, "")
		observ.Log("stub_client_disconnected", map[string]any{"conn_id": c.id})
	}()

	observ.Log("stub_client_connected", map[string]any{"conn_id": c.id, "origin": r.Header.Get("Origin")})

	challenge, _ := protocol.NewEvent(protocol.EventConnectChallenge, map[string]any{
		"nonce": uuid.NewString(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err := c.send(challenge); err != nil {
		return
	}

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil || frame.Type != protocol.FrameRequest {
			observ.Warn("stub_bad_frame", map[string]any{"conn_id": c.id, "bytes": len(data)})
			continue
		}
		if !s.handleRequest(c, frame.Request) {
			return
		}
	}
}

// handleRequest answers one request. It returns false when the connection
// must be dropped.
func (s *GatewayServer) handleRequest(c *stubClient, req *protocol.RequestFrame) bool {
	if req.Method == protocol.MethodConnect {
		return s.handleConnect(c, req)
	}
	if !c.authed.Load() {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "connect required"))
		return true
	}

	switch req.Method {
	case protocol.MethodSessionsResolve:
		s.handleResolve(c, req)
	case protocol.MethodSessionsList:
		s.handleSessionsList(c, req)
	case protocol.MethodSessionsPatch:
		s.handleSessionsPatch(c, req)
	case protocol.MethodSessionsDelete:
		s.handleSessionsDelete(c, req)
	case protocol.MethodChatSend:
		s.handleChatSend(c, req)
	case protocol.MethodChatAbort:
		s.handleChatAbort(c, req)
	case protocol.MethodChatHistory:
		s.handleChatHistory(c, req)
	default:
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "unknown method: "+req.Method))
	}
	return true
}

func (s *GatewayServer) handleConnect(c *stubClient, req *protocol.RequestFrame) bool {
	if c.authed.Load() {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "already connected"))
		return true
	}
	var params protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "invalid connect params"))
		_ = c.conn.Close(transport.ClosePolicyViolation, "invalid connect params")
		return false
	}
	if params.MinProtocol > protocol.ProtocolVersion || params.MaxProtocol < protocol.ProtocolVersion {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "protocol mismatch"))
		_ = c.conn.Close(transport.ClosePolicyViolation, "protocol mismatch")
		return false
	}
	if s.opts.Token != "" && params.Auth.Token != s.opts.Token {
		observ.Warn("stub_auth_rejected", map[string]any{"conn_id": c.id, "client_id": params.Client.ID})
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeUnauthorized, "invalid token"))
		_ = c.conn.Close(transport.ClosePolicyViolation, "unauthorized")
		return false
	}

	hello := protocol.HelloOK{
		Type:     "hello-ok",
		Protocol: protocol.ProtocolVersion,
		Server:   protocol.ServerInfo{Version: stubVersion, Host: "stub", ConnID: c.id},
		Features: protocol.Features{
			Methods: []string{
				protocol.MethodSessionsResolve,
				protocol.MethodSessionsList,
				protocol.MethodSessionsPatch,
				protocol.MethodSessionsDelete,
				protocol.MethodChatSend,
				protocol.MethodChatAbort,
				protocol.MethodChatHistory,
			},
			Events: []string{protocol.EventTick, protocol.EventChat, protocol.EventAgent},
		},
		Snapshot: protocol.Snapshot{
			Presence: []protocol.PresenceEntry{{
				ConnID:      c.id,
				ClientID:    params.Client.ID,
				DisplayName: params.Client.DisplayName,
				Role:        params.Role,
				Scopes:      params.Scopes,
				Mode:        params.Client.Mode,
			}},
		},
		Policy: protocol.Policy{
			MaxPayload:       s.opts.MaxPayload,
			MaxBufferedBytes: 2 * s.opts.MaxPayload,
			TickIntervalMs:   s.opts.TickInterval.Milliseconds(),
		},
	}
	res, err := protocol.NewOKResponse(req.ID, hello)
	if err != nil || c.send(res) != nil {
		return false
	}
	c.authed.Store(true)
	observ.Log("stub_client_authenticated", map[string]any{
		"conn_id":      c.id,
		"client_id":    params.Client.ID,
		"display_name": params.Client.DisplayName,
	})

	if s.opts.TickInterval > 0 {
		go s.tickLoop(c)
	}
	return true
}

func (s *GatewayServer) tickLoop(c *stubClient) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if s.silent.Load() {
				continue
			}
			if err := c.emit(protocol.EventTick, map[string]int64{"ts": now.UnixMilli()}); err != nil {
				return
			}
		}
	}
}

// handleResolve creates sessions on demand by key, but a label must match
// an existing session.
func (s *GatewayServer) handleResolve(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.SessionsResolveParams
	_ = json.Unmarshal(req.Params, &params)
	var sess *chatSession
	switch {
	case params.Key != "":
		sess = s.store.resolve(params.Key)
	case params.Label != "":
		found, ok := s.store.byLabel(params.Label)
		if !ok {
			_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeNotFound, "no session with label: "+params.Label))
			return
		}
		sess = found
	default:
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "key or label required"))
		return
	}
	res, _ := protocol.NewOKResponse(req.ID, protocol.SessionsResolveResult{Key: sess.key, SessionID: sess.id})
	_ = c.send(res)
}

func (s *GatewayServer) handleSessionsList(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.SessionsListParams
	_ = json.Unmarshal(req.Params, &params)
	sessions := s.store.list(params)
	res, _ := protocol.NewOKResponse(req.ID, protocol.SessionsListResult{Sessions: sessions, Count: len(sessions)})
	_ = c.send(res)
}

func (s *GatewayServer) handleSessionsPatch(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.SessionsPatchParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "key is required"))
		return
	}
	var entry protocol.SessionEntry
	if params.Label != nil {
		entry = s.store.setLabel(params.Key, *params.Label)
	} else {
		entry = s.store.describe(params.Key)
	}
	res, _ := protocol.NewOKResponse(req.ID, protocol.SessionsPatchResult{OK: true, Path: "memory", Entry: entry})
	_ = c.send(res)
}

func (s *GatewayServer) handleSessionsDelete(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.SessionsDeleteParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Key == "" {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "key is required"))
		return
	}
	if canonicalKey(params.Key) == canonicalKey("main") {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "cannot delete main session"))
		return
	}
	deleted, archived := s.store.remove(params.Key, params.DeleteTranscript)
	res, _ := protocol.NewOKResponse(req.ID, protocol.SessionsDeleteResult{
		OK:       true,
		Key:      canonicalKey(params.Key),
		Deleted:  deleted,
		Archived: archived,
	})
	_ = c.send(res)
}

func (s *GatewayServer) handleChatSend(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.ChatSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Message == "" || params.IdempotencyKey == "" {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "sessionKey, message and idempotencyKey are required"))
		return
	}
	if params.SessionKey == "" {
		params.SessionKey = "main"
	}
	runID := params.IdempotencyKey

	if final, ok := s.store.completedRun(runID); ok {
		res, _ := protocol.NewOKResponse(req.ID, final)
		_ = c.send(res)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess, started := s.store.startRun(params.SessionKey, runID, cancel)
	if !started {
		cancel()
		res, _ := protocol.NewOKResponse(req.ID, map[string]string{"runId": runID, "status": "in_flight"})
		_ = c.send(res)
		return
	}

	ack, _ := protocol.NewOKResponse(req.ID, map[string]string{"runId": runID, "status": protocol.StatusAccepted})
	if err := c.send(ack); err != nil {
		cancel()
		s.store.finishRun(sess, runID, nil, nil)
		return
	}
	go s.runChat(ctx, c, req.ID, sess, params)
}

// runChat streams a canned echo reply as chat deltas, then the final event
// and the terminal response.
func (s *GatewayServer) runChat(ctx context.Context, c *stubClient, reqID string, sess *chatSession, params protocol.ChatSendParams) {
	runID := params.IdempotencyKey
	user := protocol.ChatMessage{Role: "user", Content: []protocol.ContentBlock{{Type: "text", Text: params.Message}}}

	if params.Thinking != "" {
		_ = c.emit(protocol.EventAgent, protocol.AgentEvent{
			RunID:      runID,
			SessionKey: sess.key,
			Stream:     "thinking",
			Data:       mustJSON(map[string]string{"text": "considering: " + params.Message}),
		})
	}

	words := strings.Fields("echo: " + params.Message)
	var text strings.Builder
	seq := int64(0)
	for i, w := range words {
		select {
		case <-ctx.Done():
			s.finishAborted(c, reqID, sess, runID, user, text.String(), seq)
			return
		case <-c.done:
			s.store.finishRun(sess, runID, nil, nil)
			return
		case <-time.After(s.opts.ChunkDelay):
		}
		if i > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(w)
		seq++
		_ = c.emit(protocol.EventChat, protocol.ChatEvent{
			RunID:      runID,
			SessionKey: sess.key,
			Seq:        seq,
			State:      protocol.ChatStateDelta,
			Message:    assistantMessage(text.String()),
		})
	}

	seq++
	_ = c.emit(protocol.EventChat, protocol.ChatEvent{
		RunID:      runID,
		SessionKey: sess.key,
		Seq:        seq,
		State:      protocol.ChatStateFinal,
		Message:    assistantMessage(text.String()),
		Usage:      mustJSON(map[string]int{"input": len(params.Message), "output": text.Len()}),
		StopReason: "stop",
	})

	final := map[string]string{"runId": runID, "status": "ok"}
	reply := protocol.ChatMessage{Role: "assistant", Content: []protocol.ContentBlock{{Type: "text", Text: text.String()}}}
	s.store.finishRun(sess, runID, final, []protocol.ChatMessage{user, reply})
	res, _ := protocol.NewOKResponse(reqID, final)
	_ = c.send(res)
}

func (s *GatewayServer) finishAborted(c *stubClient, reqID string, sess *chatSession, runID string, user protocol.ChatMessage, partial string, seq int64) {
	_ = c.emit(protocol.EventChat, protocol.ChatEvent{
		RunID:      runID,
		SessionKey: sess.key,
		Seq:        seq + 1,
		State:      protocol.ChatStateAborted,
		Message:    assistantMessage(partial),
	})
	final := map[string]string{"runId": runID, "status": "aborted"}
	s.store.finishRun(sess, runID, final, []protocol.ChatMessage{user})
	res, _ := protocol.NewOKResponse(reqID, final)
	_ = c.send(res)
}

func (s *GatewayServer) handleChatAbort(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.ChatAbortParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "sessionKey is required"))
		return
	}
	runIDs := s.store.abort(params.SessionKey, params.RunID)
	res, _ := protocol.NewOKResponse(req.ID, map[string]any{
		"ok":      true,
		"aborted": len(runIDs) > 0,
		"runIds":  runIDs,
	})
	_ = c.send(res)
}

func (s *GatewayServer) handleChatHistory(c *stubClient, req *protocol.RequestFrame) {
	var params protocol.ChatHistoryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SessionKey == "" {
		_ = c.send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "sessionKey is required"))
		return
	}
	sess := s.store.resolve(params.SessionKey)
	msgs := s.store.history(sess, params.Limit)

	raw := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw = append(raw, mustJSON(m))
	}
	res, _ := protocol.NewOKResponse(req.ID, protocol.ChatHistoryResult{
		SessionKey: sess.key,
		SessionID:  sess.id,
		Messages:   raw,
	})
	_ = c.send(res)
}

// BroadcastEvent sends a sequence-numbered event to every authenticated client.
func (s *GatewayServer) BroadcastEvent(event string, payload any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for id, c := range s.clients {
		if !c.authed.Load() {
			continue
		}
		if err := c.emit(event, payload); err != nil {
			observ.Warn("stub_broadcast_failed", map[string]any{"conn_id": id, "error": err.Error()})
		}
	}
}

// SkipSequence advances every client's event sequence by n without sending,
// so the next event arrives with a gap.
func (s *GatewayServer) SkipSequence(n int64) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.emitMu.Lock()
		c.seq += n
		c.emitMu.Unlock()
	}
}

// SetSilent stops (or resumes) heartbeat ticks while keeping sockets open.
func (s *GatewayServer) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// DropAll closes every client connection with the given status.
func (s *GatewayServer) DropAll(code int, reason string) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		_ = c.conn.Close(code, reason)
	}
}

// GetConnectedClients returns the number of open client connections.
func (s *GatewayServer) GetConnectedClients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *stubClient) send(frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(data)
}

func (c *stubClient) emit(event string, payload any) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.seq++
	ev, err := protocol.NewEvent(event, payload, c.seq)
	if err != nil {
		return err
	}
	return c.send(ev)
}

func assistantMessage(text string) json.RawMessage {
	return mustJSON(protocol.ChatMessage{
		Role:    "assistant",
		Content: []protocol.ContentBlock{{Type: "text", Text: text}},
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Package relay exposes the gateway client over HTTP: plain JSON endpoints
// for send, history, abort and session management, and a Server-Sent Events
// stream of a chat run.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Rajchodisetti/clawgate/internal/gateway"
	"github.com/Rajchodisetti/clawgate/internal/observ"
	"github.com/Rajchodisetti/clawgate/internal/protocol"
	"github.com/Rajchodisetti/clawgate/internal/transport"
)

// Gateway is the part of *gateway.Client the relay uses.
type Gateway interface {
	Start()
	WaitReady(ctx context.Context) error
	IsConnected() bool
	SessionKey() string
	SendMessage(ctx context.Context, params protocol.ChatSendParams) (json.RawMessage, string, error)
	AbortChat(ctx context.Context, sessionKey, runID string) error
	ChatHistory(ctx context.Context, sessionKey string, limit int) (*protocol.ChatHistoryResult, error)
	ResolveSession(ctx context.Context, key string) (*protocol.SessionsResolveResult, error)
	ListSessions(ctx context.Context, params protocol.SessionsListParams) (*protocol.SessionsListResult, error)
	CreateSession(ctx context.Context, label string, createNew bool) (*gateway.CreatedSession, error)
	PatchSession(ctx context.Context, key, label string) (*protocol.SessionsPatchResult, error)
	DeleteSession(ctx context.Context, key string, deleteTranscript bool) (*protocol.SessionsDeleteResult, error)
}

type Options struct {
	ConnectWait    time.Duration // how long a request waits for the handshake
	StreamTimeout  time.Duration
	HistoryLimit   int
	DefaultSession string
	StreamBuffer   int
}

type Server struct {
	gw   Gateway
	hub  *Hub
	opts Options
}

var errConnectTimeout = errors.New("connection timeout")

func New(gw Gateway, hub *Hub, opts Options) *Server {
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 15 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 10 * time.Minute
	}
	if opts.DefaultSession == "" {
		opts.DefaultSession = "main"
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 256
	}
	return &Server{gw: gw, hub: hub, opts: opts}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	r.Handle("/health", observ.Health())
	r.Handle("/metrics", observ.Handler())
	r.Get("/api/gateway/status", s.handleStatus)

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", s.handleSend)
		r.Post("/stream", s.handleStream)
		r.Post("/abort", s.handleAbort)
		r.Get("/history", s.handleHistory)
	})
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Post("/resolve", s.handleResolve)
		r.Patch("/{key}", s.handlePatchSession)
		r.Delete("/{key}", s.handleDeleteSession)
	})
	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		observ.RecordDuration("relay_http_request", time.Since(start), map[string]string{"route": route})
		observ.Log("relay_http_request", map[string]any{
			"method":     r.Method,
			"path":       route,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	})
}

// ensureConnected starts the client if needed and waits for the handshake.
func (s *Server) ensureConnected(ctx context.Context) error {
	if s.gw.IsConnected() {
		return nil
	}
	s.gw.Start()
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectWait)
	defer cancel()
	if err := s.gw.WaitReady(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errConnectTimeout
		}
		return err
	}
	return nil
}

type chatRequest struct {
	SessionKey string `json:"sessionKey"`
	Content    string `json:"content"`
	Thinking   string `json:"thinking,omitempty"`
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return req, false
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return req, false
	}
	if req.SessionKey == "" {
		req.SessionKey = s.opts.DefaultSession
	}
	return req, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":  s.gw.IsConnected(),
		"sessionKey": s.gw.SessionKey(),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	payload, key, err := s.gw.SendMessage(r.Context(), protocol.ChatSendParams{
		SessionKey: req.SessionKey,
		Message:    req.Content,
		Thinking:   req.Thinking,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var final struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal(payload, &final)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"idempotencyKey": key,
		"runId":          final.RunID,
		"status":         final.Status,
		"timestamp":      time.Now().UnixMilli(),
	})
}

// handleStream sends the message and relays the run's events as SSE until a
// finish or error event, the stream timeout, or client disconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// subscribe before sending so no early delta is missed
	events, unsubscribe := s.hub.Subscribe(s.opts.StreamBuffer)
	defer unsubscribe()

	sse, err := transport.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	send := func(ev StreamEvent) bool {
		return sse.Send(ev) == nil
	}
	if !send(StreamEvent{Type: StreamStart, SessionKey: req.SessionKey}) {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sendErr := make(chan error, 1)
	go func() {
		_, _, err := s.gw.SendMessage(ctx, protocol.ChatSendParams{
			SessionKey: req.SessionKey,
			Message:    req.Content,
			Thinking:   req.Thinking,
		})
		sendErr <- err
	}()

	timeout := time.NewTimer(s.opts.StreamTimeout)
	defer timeout.Stop()
	observ.IncCounter("relay_streams_total", nil)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			observ.Warn("relay_stream_timeout", map[string]any{"session_key": req.SessionKey})
			send(StreamEvent{Type: StreamError, Error: "Stream timeout"})
			return
		case err := <-sendErr:
			sendErr = nil
			if err != nil {
				send(StreamEvent{Type: StreamError, Error: err.Error()})
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			out, relevant, done := translate(ev, req.SessionKey)
			if !relevant {
				continue
			}
			if !send(out) || done {
				return
			}
		}
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = s.opts.DefaultSession
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := s.gw.AbortChat(r.Context(), req.SessionKey, req.RunID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.URL.Query().Get("sessionKey")
	if sessionKey == "" {
		sessionKey = s.opts.DefaultSession
	}
	limit := s.opts.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	res, err := s.gw.ChatHistory(r.Context(), sessionKey, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Messages == nil {
		res.Messages = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if req.Key == "" {
		req.Key = s.opts.DefaultSession
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	res, err := s.gw.ResolveSession(r.Context(), req.Key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := protocol.SessionsListParams{
		Limit:                50,
		IncludeLastMessage:   q.Get("includeLastMessage") == "true",
		IncludeDerivedTitles: true,
	}
	for name, dst := range map[string]*int{"limit": &params.Limit, "activeMinutes": &params.ActiveMinutes} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, v))
			return
		}
		*dst = n
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	res, err := s.gw.ListSessions(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label     string `json:"label"`
		CreateNew bool   `json:"createNew"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	res, err := s.gw.CreateSession(r.Context(), req.Label, req.CreateNew)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sessionKeyParam returns the unescaped {key} path segment.
func sessionKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid session key")
		return "", false
	}
	return key, true
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Label *string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	if req.Label == nil {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	res, err := s.gw.PatchSession(r.Context(), key, *req.Label)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKeyParam(w, r)
	if !ok {
		return
	}
	if gateway.IsMainSession(key) {
		writeError(w, http.StatusBadRequest, "Cannot delete main session")
		return
	}
	if err := s.ensureConnected(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	res, err := s.gw.DeleteSession(r.Context(), key, r.URL.Query().Get("deleteTranscript") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

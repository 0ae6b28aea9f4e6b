package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ProtocolVersion is the only gateway protocol revision this client speaks.
const ProtocolVersion = 3

// Frame types
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Events the client inspects. Everything else is opaque and forwarded.
const (
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"
	EventChat             = "chat"
	EventAgent            = "agent"
)

// Gateway methods
const (
	MethodConnect         = "connect"
	MethodSessionsResolve = "sessions.resolve"
	MethodSessionsList    = "sessions.list"
	MethodSessionsPatch   = "sessions.patch"
	MethodSessionsDelete  = "sessions.delete"
	MethodChatSend        = "chat.send"
	MethodChatAbort       = "chat.abort"
	MethodChatHistory     = "chat.history"
)

// StatusAccepted marks an intermediate acknowledgment of a long-running request.
const StatusAccepted = "accepted"

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownFrame = errors.New("unknown frame type")
)

// RequestFrame is sent by the client to invoke a gateway method.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// EventFrame is pushed by the gateway without a preceding request.
// Seq is nil when the gateway did not number the event or sent a value that
// is not an integer. StateVersion is passed through untouched.
type EventFrame struct {
	Type         string          `json:"type"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Seq          *int64          `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

// UnmarshalJSON decodes the envelope leniently: an odd seq is dropped
// rather than failing the whole event.
func (e *EventFrame) UnmarshalJSON(data []byte) error {
	type plain EventFrame
	var raw struct {
		plain
		Seq json.RawMessage `json:"seq,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = EventFrame(raw.plain)
	e.Seq = parseSeq(raw.Seq)
	return nil
}

func parseSeq(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return &n
	}
	// 4.0 is a valid JSON spelling of 4
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return nil
	}
	n = int64(f)
	return &n
}

// Frame is a decoded inbound message. Exactly one of the pointers is set,
// matching Type.
type Frame struct {
	Type     string
	Request  *RequestFrame
	Response *ResponseFrame
	Event    *EventFrame
}

// Decode parses one wire message into a Frame.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	f := Frame{Type: head.Type}
	switch head.Type {
	case FrameRequest:
		f.Request = &RequestFrame{}
		if err := json.Unmarshal(data, f.Request); err != nil {
			return Frame{}, fmt.Errorf("decode request: %w", err)
		}
	case FrameResponse:
		f.Response = &ResponseFrame{}
		if err := json.Unmarshal(data, f.Response); err != nil {
			return Frame{}, fmt.Errorf("decode response: %w", err)
		}
		if f.Response.ID == "" {
			return Frame{}, fmt.Errorf("decode response: missing id")
		}
	case FrameEvent:
		f.Event = &EventFrame{}
		if err := json.Unmarshal(data, f.Event); err != nil {
			return Frame{}, fmt.Errorf("decode event: %w", err)
		}
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
	return f, nil
}

// Encode serializes any frame to its wire form.
func Encode(frame any) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// NewRequest builds a request frame, marshalling params when present.
func NewRequest(id, method string, params any) (*RequestFrame, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &RequestFrame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}

// NewOKResponse creates a success response frame.
func NewOKResponse(id string, payload any) (*ResponseFrame, error) {
	raw, err := marshalOptional(payload)
	if err != nil {
		return nil, err
	}
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse creates a failed response frame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent creates an event frame. A seq of zero leaves the event unnumbered.
func NewEvent(event string, payload any, seq int64) (*EventFrame, error) {
	raw, err := marshalOptional(payload)
	if err != nil {
		return nil, err
	}
	f := &EventFrame{Type: FrameEvent, Event: event, Payload: raw}
	if seq > 0 {
		f.Seq = &seq
	}
	return f, nil
}

// Status extracts payload.status, returning "" when the payload is absent or
// not an object.
func (r *ResponseFrame) Status() string {
	if len(r.Payload) == 0 {
		return ""
	}
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return ""
	}
	return p.Status
}

// Err returns the response's failure as an error, or nil when OK.
func (r *ResponseFrame) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &ErrorShape{Code: CodeUnknown, Message: "Unknown error"}
	}
	return r.Error
}

// Nonce returns the nonce carried by a connect.challenge event.
func (e *EventFrame) Nonce() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var p struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.Nonce
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

package transport

import (
	"context"
	"errors"
	"fmt"
)

// Conn is one duplex, message-oriented connection. Each message is a single
// UTF-8 JSON frame.
type Conn interface {
	// ReadMessage blocks until the next inbound message arrives. It returns
	// a *CloseError when the peer closed the connection with a status.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one message. Safe for concurrent use.
	WriteMessage(data []byte) error

	// Close sends a close status to the peer (best effort) and releases the
	// connection. Pending and future reads fail. Idempotent.
	Close(code int, reason string) error
}

// Dialer opens connections to an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Close status codes used by the client.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseTickTimeout     = 4000
)

var ErrClosed = errors.New("connection closed")

// CloseError reports the close status of a connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("closed (%d): %s", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool {
	return target == ErrClosed
}

// ConnectionState represents the current state of a gateway connection
type ConnectionState int32

const (
	StateIdle              ConnectionState = iota // no socket
	StateAwaitingChallenge                        // socket open, connect not sent yet
	StateAwaitingHello                            // connect sent, waiting for hello-ok
	StateReady                                    // handshake done
	StateClosed                                   // stopped for good
)

// String returns human-readable connection state
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Request when no socket is open.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrConnectionClosed matches every error used to reject requests that
	// were in flight when the socket closed.
	ErrConnectionClosed = errors.New("gateway connection closed")

	// ErrStopped rejects requests pending at Stop and any later WaitReady.
	ErrStopped = errors.New("gateway client stopped")
)

// ClosedError describes why the socket closed. One instance is shared by all
// requests rejected by the same close.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("gateway closed (%d): %s", e.Code, e.Reason)
}

func (e *ClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

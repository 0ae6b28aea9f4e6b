package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error codes the stub gateway and client produce. Real gateways may send
// others; callers should treat Code as an open set.
const (
	CodeUnknown        = "UNKNOWN"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeUnavailable    = "UNAVAILABLE"
)

// ErrorShape is the structured failure carried by an ok:false response.
// It implements error so a rejected request surfaces it directly.
type ErrorShape struct {
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty"`
	RetryAfterMs int64           `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RetryAfter converts RetryAfterMs to a duration.
func (e *ErrorShape) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}

package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every TimeoutError
	ErrTimeout = errors.New("messaging: request timed out")
	// ErrNotConnected is returned when no session is available
	ErrNotConnected = errors.New("messaging: not connected")
	// ErrDuplicateCorrelationID is returned when a request reuses a pending ID
	ErrDuplicateCorrelationID = errors.New("messaging: correlation ID already pending")
	// ErrUnexpectedResponse is returned when the response type does not match the caller's
	ErrUnexpectedResponse = errors.New("messaging: unexpected response type")
	// ErrNoReplyAddress is returned when replying to a request without a reply address
	ErrNoReplyAddress = errors.New("messaging: no reply address")
	// ErrNoHandler is returned for requests nobody handles
	ErrNoHandler = errors.New("messaging: no handler registered")
	// ErrHandlerExists is returned when registering a second handler for a type
	ErrHandlerExists = errors.New("messaging: handler already registered")
)

// TimeoutError reports a request whose response did not arrive in time
type TimeoutError struct {
	MessageType   string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: no response to %s (correlation ID %s) within %s",
		e.MessageType, e.CorrelationID, e.Timeout)
}

// Is makes TimeoutError match ErrTimeout
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// HandlerError wraps an error returned by a message handler
type HandlerError struct {
	MessageType string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("messaging: handler for %s failed: %v", e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

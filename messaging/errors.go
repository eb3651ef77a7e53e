package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Request errors
	ErrEmptyRoutingKey = errors.New("messaging: routing key is required")
	ErrNilHandler      = errors.New("messaging: handler is required")
	ErrTimeout         = errors.New("messaging: timed out waiting for reply")

	// Lifecycle errors
	ErrClientClosed      = errors.New("messaging: client is shut down")
	ErrServerClosed      = errors.New("messaging: server is shut down")
	ErrAlreadySubscribed = errors.New("messaging: routing key already subscribed")
	ErrNotSubscribed     = errors.New("messaging: routing key not subscribed")
)

// TimeoutError is returned by Client.Publish when no correlated reply
// arrived in time. errors.Is(err, ErrTimeout) holds.
type TimeoutError struct {
	RoutingKey    string
	CorrelationID string
	Timeout       time.Duration
	Err           error // what was in progress when time ran out, if not the reply wait
	Timestamp     time.Time
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("messaging: no reply to %s (correlation id %s) within %s: %v",
			e.RoutingKey, e.CorrelationID, e.Timeout, e.Err)
	}
	return fmt.Sprintf("messaging: no reply to %s (correlation id %s) within %s",
		e.RoutingKey, e.CorrelationID, e.Timeout)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTimeout, e.Err}
	}
	return []error{ErrTimeout}
}

// HandlerError describes a handler that returned an error or panicked while
// processing one delivery. The server converts it into a server_error reply.
type HandlerError struct {
	RoutingKey    string
	CorrelationID string
	Panicked      bool
	Err           error
	Timestamp     time.Time
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("messaging: handler for %s panicked: %v", e.RoutingKey, e.Err)
	}
	return fmt.Sprintf("messaging: handler for %s failed: %v", e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Message is the failure text sent back in the error_message field
func (e *HandlerError) Message() string {
	return e.Err.Error()
}

// SetupError is returned by Server.Subscribe when the queue, binding or
// consumer could not be established.
type SetupError struct {
	RoutingKey string
	Op         string
	Err        error
	Timestamp  time.Time
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("messaging: subscribe %s: %s: %v", e.RoutingKey, e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

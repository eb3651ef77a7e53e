package contracts

import (
	"errors"
	"fmt"
)

// Status is the outcome reported in a Response
type Status string

const (
	StatusOK          Status = "ok"
	StatusClientError Status = "client_error"
	StatusServerError Status = "server_error"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusClientError, StatusServerError:
		return true
	}
	return false
}

// Response is the reply envelope
type Response struct {
	Status       Status  `json:"status"`
	ErrorMessage *string `json:"error_message"`
	Data         any     `json:"data"`
}

// NewResponse returns {status: ok, error_message: null, data: {}}
func NewResponse() *Response {
	return &Response{
		Status: StatusOK,
		Data:   map[string]any{},
	}
}

// ServerErrorResponse builds the reply sent when a handler fails
func ServerErrorResponse(message string) *Response {
	return &Response{
		Status:       StatusServerError,
		ErrorMessage: &message,
		Data:         map[string]any{},
	}
}

// ClientErrorResponse builds a client_error reply from err
func ClientErrorResponse(err error) *Response {
	message := err.Error()
	return &Response{
		Status:       StatusClientError,
		ErrorMessage: &message,
		Data:         map[string]any{},
	}
}

// OK reports whether the response status is ok
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// Message returns the error message, or "" when there is none
func (r *Response) Message() string {
	if r.ErrorMessage == nil {
		return ""
	}
	return *r.ErrorMessage
}

// Err converts a non-ok response into a *ResponseError
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return &ResponseError{Status: r.Status, Message: r.Message()}
}

// ResponseError is returned by Response.Err for client_error and server_error replies
type ResponseError struct {
	Status  Status
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// ClientError signals that a request was rejected because of its content.
// Handlers return it so the reply carries status client_error.
type ClientError struct {
	Message string
	Err     error
}

// NewClientError creates a client error
func NewClientError(format string, args ...any) *ClientError {
	return &ClientError{Message: fmt.Sprintf(format, args...)}
}

func (e *ClientError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err is or wraps a *ClientError
func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

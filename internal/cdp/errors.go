package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors
var (
	ErrClosed             = errors.New("connection closed")
	ErrSessionClosed      = fmt.Errorf("session detached: %w", ErrClosed)
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrTimeout            = errors.New("timed out waiting for response")
	ErrProtocol           = errors.New("protocol error")
	ErrMalformed          = errors.New("malformed frame")
)

// ProtocolError is an error envelope returned by the browser. Code and
// Message are forwarded verbatim.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data is whatever the browser attached, usually a string.
	Data json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if data := e.DataString(); data != "" {
		return fmt.Sprintf("protocol error %d: %s (%s)", e.Code, e.Message, data)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// DataString returns Data as text: a JSON string is unquoted, anything
// else is returned as raw JSON.
func (e *ProtocolError) DataString() string {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// timeoutError reports which call ran out of time. It matches both
// ErrTimeout and context.DeadlineExceeded.
type timeoutError struct {
	method string
	cause  error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.method, ErrTimeout)
}

func (e *timeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *timeoutError) Unwrap() error {
	return e.cause
}

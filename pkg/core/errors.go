package core

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error represents a session engine error.
type Error struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Code       string         `json:"code,omitempty"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrTransport covers connection drops, dial failures and timeouts.
	ErrTransport ErrorType = "transport_error"
	// ErrSessionInvalid covers expired credentials, disabled accounts and safety
	// violations. Outgoing sends stay halted until the session is reinitialized.
	ErrSessionInvalid ErrorType = "session_invalid_error"
	// ErrResourceExhausted covers quota and billing limits.
	ErrResourceExhausted ErrorType = "resource_exhausted_error"
	// ErrMalformedPacket is a packet that cannot be decoded or routed.
	ErrMalformedPacket ErrorType = "malformed_packet_error"
	// ErrAddressing is an outgoing packet whose targets never resolved.
	ErrAddressing ErrorType = "addressing_error"
	// ErrInvalidRequest is API misuse by the caller.
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// NewTransportError creates a retryable transport error wrapping cause.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		Cause:   cause,
	}
}

// NewSessionInvalidError creates a non-retryable session error.
func NewSessionInvalidError(message, code string) *Error {
	return &Error{
		Type:    ErrSessionInvalid,
		Message: message,
		Code:    code,
	}
}

// NewResourceExhaustedError creates a quota error. retryAfter may be zero.
func NewResourceExhaustedError(message string, retryAfter time.Duration) *Error {
	e := &Error{
		Type:    ErrResourceExhausted,
		Message: message,
	}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// NewMalformedPacketError creates a packet-level error.
func NewMalformedPacketError(message string, cause error) *Error {
	return &Error{
		Type:    ErrMalformedPacket,
		Message: message,
		Cause:   cause,
	}
}

// NewAddressingError creates an error for a target that never resolved.
func NewAddressingError(message string) *Error {
	return &Error{
		Type:    ErrAddressing,
		Message: message,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrTransport:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// TypeOf reports the ErrorType carried by err, or "" when err is not an *Error.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// FromHTTPStatus classifies a failed HTTP exchange (token endpoint or
// websocket handshake). retryAfter is the raw Retry-After header.
func FromHTTPStatus(status int, message, retryAfter string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	code := strconv.Itoa(status)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewSessionInvalidError(message, code)
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		e := NewResourceExhaustedError(message, parseRetryAfter(retryAfter))
		e.Code = code
		return e
	case http.StatusBadRequest:
		e := NewInvalidRequestError(message)
		e.Code = code
		return e
	default:
		e := NewTransportError(message, nil)
		e.Code = code
		return e
	}
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

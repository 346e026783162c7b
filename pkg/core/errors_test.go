package core

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrMalformedPacket,
		Message: "missing packet id",
	}

	expected := "malformed_packet_error: missing packet id"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := NewSessionInvalidError("token expired", "unauthenticated")

	expected := "session_invalid_error: token expired (code: unauthenticated)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_IsRetryable(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{NewTransportError("dial failed", io.EOF), true},
		{NewSessionInvalidError("disabled", ""), false},
		{NewResourceExhaustedError("quota", time.Minute), false},
		{NewMalformedPacketError("bad", nil), false},
		{NewAddressingError("unresolved"), false},
		{NewInvalidRequestError("nil"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			if got := tt.err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewResourceExhaustedError_RetryAfter(t *testing.T) {
	err := NewResourceExhaustedError("quota", 0)
	if err.RetryAfter != nil {
		t.Fatalf("RetryAfter = %v, want nil", *err.RetryAfter)
	}
	err = NewResourceExhaustedError("quota", 30*time.Second)
	if err.RetryAfter == nil || *err.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", err.RetryAfter)
	}
}

func TestTypeOf_Wrapped(t *testing.T) {
	base := NewTransportError("connection reset", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("connect: %w", base)

	if got := TypeOf(wrapped); got != ErrTransport {
		t.Fatalf("TypeOf = %q, want %q", got, ErrTransport)
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("expected wrapped transport error to be retryable")
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if got := TypeOf(io.EOF); got != "" {
		t.Fatalf("TypeOf(io.EOF) = %q, want empty", got)
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{401, ErrSessionInvalid},
		{403, ErrSessionInvalid},
		{402, ErrResourceExhausted},
		{429, ErrResourceExhausted},
		{400, ErrInvalidRequest},
		{502, ErrTransport},
		{503, ErrTransport},
	}
	for _, tt := range tests {
		err := FromHTTPStatus(tt.status, "", "")
		if err.Type != tt.want {
			t.Fatalf("FromHTTPStatus(%d) type=%q, want %q", tt.status, err.Type, tt.want)
		}
		if err.Message == "" || err.Code == "" {
			t.Fatalf("FromHTTPStatus(%d) message=%q code=%q", tt.status, err.Message, err.Code)
		}
	}

	err := FromHTTPStatus(429, "slow down", "12")
	if err.RetryAfter == nil || *err.RetryAfter != 12*time.Second {
		t.Fatalf("RetryAfter=%v, want 12s", err.RetryAfter)
	}
	if err := FromHTTPStatus(429, "", "soon"); err.RetryAfter != nil {
		t.Fatalf("unparseable Retry-After produced %v", *err.RetryAfter)
	}
}

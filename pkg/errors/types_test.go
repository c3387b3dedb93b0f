package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeAuth, "token rejected")

	if err.Code != ErrCodeAuth {
		t.Errorf("Expected code %s, got %s", ErrCodeAuth, err.Code)
	}
	if err.Message != "token rejected" {
		t.Errorf("Expected message 'token rejected', got %q", err.Message)
	}
	if err.Retryable {
		t.Error("Auth errors must not be retryable")
	}
	if len(err.Stack) == 0 {
		t.Error("Expected stack trace to be captured")
	}
}

func TestNewRetryableDefaults(t *testing.T) {
	if !New(ErrCodeTransport, "socket closed").Retryable {
		t.Error("Transport errors should default to retryable")
	}
	if !New(ErrCodeTimeout, "no response").Retryable {
		t.Error("Timeout errors should default to retryable")
	}
	if New(ErrCodeDecode, "bad frame").Retryable {
		t.Error("Decode errors should not default to retryable")
	}
}

func TestWrap(t *testing.T) {
	underlying := fmt.Errorf("connection refused")
	err := Wrap(underlying, ErrCodeTransport, "dial failed")

	if err.Underlying != underlying {
		t.Error("Expected underlying error to be preserved")
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "nope") != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestErrorString(t *testing.T) {
	err := New(ErrCodeTimeout, "no response").WithContext("requestId", "abc-123")

	msg := err.Error()
	if !strings.Contains(msg, "REQUEST_TIMEOUT") {
		t.Errorf("Error string missing code: %q", msg)
	}
	if !strings.Contains(msg, "requestId: abc-123") {
		t.Errorf("Error string missing context: %q", msg)
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeDisconnected, "connection torn down")

	if !IsCode(err, ErrCodeDisconnected) {
		t.Error("IsCode should match")
	}
	if IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode(nil) should be false")
	}
	if IsCode(fmt.Errorf("plain"), ErrCodeTimeout) {
		t.Error("IsCode on a plain error should be false")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeApplication, "server said no")); got != ErrCodeApplication {
		t.Errorf("Expected APPLICATION_ERROR, got %s", got)
	}
	if got := GetCode(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Errorf("Plain errors should map to INTERNAL, got %s", got)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("nil should map to empty code, got %s", got)
	}
}

func TestWithRetryable(t *testing.T) {
	err := New(ErrCodeApplication, "busy").WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("WithRetryable(true) should make the error retryable")
	}
}

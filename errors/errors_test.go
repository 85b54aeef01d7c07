package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"transport", fmt.Errorf("read: %w", ErrTransport), true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"not found", ErrNotFound, false},
		{"mutation", ErrMutation, false},
		{"timeout in message", fmt.Errorf("i/o timeout"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"addressing", ErrAddressing, true},
		{"wrapped not found", fmt.Errorf("locate: %w", ErrNotFound), true},
		{"duplicate", ErrDuplicate, true},
		{"framing", ErrFraming, true},
		{"mutation", ErrMutation, true},
		{"transport", ErrTransport, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ErrHeaderOverflow) {
		t.Error("header overflow should be fatal")
	}
	if !IsFatal(fmt.Errorf("load: %w", ErrInvalidConfig)) {
		t.Error("wrapped invalid config should be fatal")
	}
	if IsFatal(ErrNotFound) {
		t.Error("not found should not be fatal")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil", nil, ErrorTransient},
		{"not found", ErrNotFound, ErrorInvalid},
		{"header overflow", ErrHeaderOverflow, ErrorFatal},
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"unknown", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestIsPeerGone(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read header: %w", io.ErrUnexpectedEOF), true},
		{"closed", net.ErrClosed, true},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"broken pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"other", errors.New("boom"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsPeerGone(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}

	err := Wrap(ErrNotFound, "Registry", "Locate", "sub-device lookup")
	expected := "Registry.Locate: sub-device lookup failed: not found"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	err := WrapInvalid(ErrMutation, "SubDevice", "SetMessageID", "message update")

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Class != ErrorInvalid || ce.Component != "SubDevice" || ce.Operation != "SetMessageID" {
		t.Errorf("unexpected classification: %+v", ce)
	}
	if !errors.Is(err, ErrMutation) {
		t.Error("classified error should unwrap to sentinel")
	}

	if !IsTransient(WrapTransient(errors.New("x"), "a", "b", "c")) {
		t.Error("expected transient")
	}
	if !IsFatal(WrapFatal(errors.New("x"), "a", "b", "c")) {
		t.Error("expected fatal")
	}
}

func TestRetryConfig(t *testing.T) {
	rc := DefaultRetryConfig()
	if rc.ShouldRetry(ErrNotFound, 0) {
		t.Error("invalid errors should not be retried")
	}
	if !rc.ShouldRetry(ErrConnectionLost, 0) {
		t.Error("transient errors should be retried")
	}
	if rc.ShouldRetry(ErrConnectionLost, rc.MaxRetries) {
		t.Error("should stop at MaxRetries")
	}

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 3}.ToRetryConfig()
	if cfg.MaxAttempts != 3 || cfg.Multiplier != 3 || !cfg.AddJitter {
		t.Errorf("unexpected conversion: %+v", cfg)
	}
}

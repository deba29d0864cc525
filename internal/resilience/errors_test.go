package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestIsTransient_TransientError(t *testing.T) {
	err := NewTransientError(errors.New("503"), 503)
	if !IsTransient(err) {
		t.Error("TransientError must be transient")
	}
	wrapped := fmt.Errorf("request failed: %w", err)
	if !IsTransient(wrapped) {
		t.Error("wrapped TransientError must be transient")
	}
}

func TestIsTransient_Syscalls(t *testing.T) {
	for _, errno := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if !IsTransient(fmt.Errorf("dial: %w", errno)) {
			t.Errorf("%v must be transient", errno)
		}
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	cases := []string{
		"read tcp: connection reset by peer",
		"net/http: TLS handshake timeout",
		"dial tcp: i/o timeout",
		"proxy connection failed: 502",
	}
	for _, msg := range cases {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("%q must be transient", msg)
		}
	}
}

func TestIsTransient_Negative(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	if IsTransient(errors.New("invalid parcel number")) {
		t.Error("plain errors are not transient")
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := NewRateLimitedError(errors.New("429"), 15*time.Second)
	if got := RetryAfterOf(fmt.Errorf("assessor: %w", err)); got != 15*time.Second {
		t.Errorf("expected 15s, got %v", got)
	}
	if got := RetryAfterOf(errors.New("plain")); got != 0 {
		t.Errorf("expected 0 for non-transient, got %v", got)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d must be transient", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d must not be transient", code)
		}
	}
}

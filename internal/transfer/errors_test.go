package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

// TestTransportError_Error verifies error message formatting
func TestTransportError_Error(t *testing.T) {
	err := &TransportError{
		Operation: "request",
		URL:       "http://example.com/a.jpg",
		Err:       errors.New("connection refused"),
	}

	expected := "transport error during request of http://example.com/a.jpg: connection refused"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestServerError_Error verifies error message formatting
func TestServerError_Error(t *testing.T) {
	err := &ServerError{URL: "http://example.com/missing", StatusCode: 404, Status: "404 Not Found"}

	expected := "server responded to http://example.com/missing with HTTP 404: 404 Not Found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestInvalidRequestError_Unwrap verifies error chain traversal
func TestInvalidRequestError_Unwrap(t *testing.T) {
	cause := errors.New("missing protocol scheme")
	err := &InvalidRequestError{URL: "::", Reason: "unparseable url", Err: cause}

	if unwrapped := errors.Unwrap(err); unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	wrapped := fmt.Errorf("context: %w", err)
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() should find cause in wrapped chain")
	}

	var target *InvalidRequestError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract InvalidRequestError from wrapped chain")
	}

	if target.Reason != "unparseable url" {
		t.Errorf("Reason = %q, want %q", target.Reason, "unparseable url")
	}
}

func TestTransportError_Timeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"watchdog deadline", os.ErrDeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("read body: %w", os.ErrDeadlineExceeded), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"connection reset", errors.New("connection reset by peer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &TransportError{Operation: "read_body", URL: "http://x", Err: tt.err}
			if got := err.Timeout(); got != tt.want {
				t.Errorf("Timeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "success"},
		{"cancelled", ErrCancelled, "cancelled"},
		{"wrapped cancelled", fmt.Errorf("%w: client closed", ErrCancelled), "cancelled"},
		{"server", &ServerError{StatusCode: 500}, "server_error"},
		{"limit", &BufferLimitError{Limit: 1, Received: 2}, "buffer_limit"},
		{"invalid", fmt.Errorf("start: %w", &InvalidRequestError{URL: "x"}), "invalid_request"},
		{"timeout", &TransportError{Err: os.ErrDeadlineExceeded}, "timeout"},
		{"transport", &TransportError{Err: errors.New("dns")}, "transport_error"},
		{"other", errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

package transfer

import (
	"errors"
	"fmt"
	"os"
)

// ErrCancelled is reported when a transfer is aborted before it finishes, either
// because the caller cancelled it or because the transport client shut down.
var ErrCancelled = errors.New("transfer cancelled")

// TransportError represents network failures surfaced by the HTTP client,
// including connection resets, DNS and TLS failures and inactivity timeouts.
type TransportError struct {
	Operation string // The step that failed (e.g., "request", "read_body")
	URL       string // Target of the request
	Err       error  // Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s of %s: %v", e.Operation, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by the inactivity watchdog or a
// network timeout.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}

	var te interface{ Timeout() bool }

	return errors.As(e.Err, &te) && te.Timeout()
}

// ServerError represents a response with a non-2xx status code.
type ServerError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server responded to %s with HTTP %d: %s", e.URL, e.StatusCode, e.Status)
}

// InvalidRequestError is returned synchronously when a download is started with a
// request that can never succeed.
type InvalidRequestError struct {
	URL    string // Raw URL as given by the caller
	Reason string // Human-readable explanation of why the request is invalid
	Err    error  // Underlying error, if any
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request for %q: %s", e.URL, e.Reason)
}

func (e *InvalidRequestError) Unwrap() error {
	return e.Err
}

// BufferLimitError is reported when a body grows past the configured in-memory cap.
type BufferLimitError struct {
	Limit    int64
	Received int64
}

func (e *BufferLimitError) Error() string {
	return fmt.Sprintf("response body exceeds buffer limit: %d > %d bytes", e.Received, e.Limit)
}

// Kind classifies a terminal error into the reporting buckets used by logs and metrics.
func Kind(err error) string {
	var (
		transportErr *TransportError
		serverErr    *ServerError
		limitErr     *BufferLimitError
		invalidErr   *InvalidRequestError
	)

	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.As(err, &serverErr):
		return "server_error"
	case errors.As(err, &limitErr):
		return "buffer_limit"
	case errors.As(err, &invalidErr):
		return "invalid_request"
	case errors.As(err, &transportErr):
		if transportErr.Timeout() {
			return "timeout"
		}

		return "transport_error"
	default:
		return "error"
	}
}

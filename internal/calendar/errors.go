package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrNotFound means the event does not exist (or no longer exists) on the provider.
	ErrNotFound = errors.New("event not found on provider")
	// ErrCursorExpired means an incremental sync token is no longer accepted.
	ErrCursorExpired = errors.New("incremental sync cursor expired")
	// ErrUnauthorized means the provider rejected the access credential.
	ErrUnauthorized = errors.New("provider rejected credentials")
)

// ValidationError reports a malformed payload or a write the provider refused.
type ValidationError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("invalid event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid event %s: %s", e.EventID, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientError reports a rate-limit, server or network failure that persisted
// after all retries.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: 429, 5xx and network errors.
func IsTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return retryableStatus(gerr.Code)
	}
	var herr *HTTPError
	if errors.As(err, &herr) {
		return retryableStatus(herr.StatusCode)
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// HTTPError is a non-2xx response from a provider that does not produce googleapi errors.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// classify maps a provider error to the package taxonomy. Exhausted transient
// failures and cancellations are passed through unchanged.
func classify(op, eventID string, err error) error {
	var terr *TransientError
	if errors.As(err, &terr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	code := 0
	var gerr *googleapi.Error
	var herr *HTTPError
	switch {
	case errors.As(err, &gerr):
		code = gerr.Code
	case errors.As(err, &herr):
		code = herr.StatusCode
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	switch code {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("failed to %s %s: %w", op, eventID, ErrNotFound)
	case http.StatusUnauthorized:
		return fmt.Errorf("failed to %s: %w", op, ErrUnauthorized)
	}
	return &ValidationError{EventID: eventID, Reason: fmt.Sprintf("provider rejected %s", op), Err: err}
}

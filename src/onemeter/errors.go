package onemeter

import (
	"errors"
	"fmt"
)

// ErrAuth is returned when the API rejects the key (HTTP 401).
// Calls that hit it are never retried.
var ErrAuth = errors.New("onemeter: invalid API key or unauthorized access")

// ErrRateLimited is returned when the API throttles us (HTTP 429).
// Calls that hit it are never retried.
var ErrRateLimited = errors.New("onemeter: rate limit exceeded")

// ServerError is returned for 5xx responses. These are treated as
// transient and retried with backoff.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("onemeter: server error %d: %s", e.StatusCode, e.Body)
}

// StatusError is returned for any other unexpected status code (4xx
// besides 401/429). Not retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("onemeter: unexpected status %d: %s", e.StatusCode, e.Body)
}

// MalformedResponseError is returned when a 200 response body cannot be
// parsed into the expected shape. Not retried.
type MalformedResponseError struct {
	Endpoint string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("onemeter: malformed response from %s: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// retryable reports whether an attempt that failed with err may be tried
// again within the same call. Server errors and transport-level failures
// (timeouts, connection resets) qualify; everything with a definite
// answer from the API does not.
func retryable(err error) bool {
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrRateLimited) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return false
	}
	return true
}

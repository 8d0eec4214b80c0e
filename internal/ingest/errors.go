// Package ingest is the HTTP client for the remote ingestion service: batch
// sample uploads, the cold-start health probe, live health status, and the
// downstream "current state" snapshot with its static-mirror fallback.
package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, ingest.ErrServerError) to check.
var (
	ErrBadRequest   = errors.New("ingest: bad request")
	ErrUnauthorized = errors.New("ingest: unauthorized")
	ErrForbidden    = errors.New("ingest: forbidden")
	ErrNotFound     = errors.New("ingest: not found")
	ErrTooLarge     = errors.New("ingest: payload too large")
	ErrThrottled    = errors.New("ingest: throttled")
	ErrServerError  = errors.New("ingest: server error")
	ErrNetwork      = errors.New("ingest: network error")
	ErrUnhealthy    = errors.New("ingest: backend unhealthy")
)

// HTTPError wraps a sentinel error with HTTP status code, request ID,
// and the response body for debugging.
type HTTPError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *HTTPError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("ingest: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("ingest: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is worth retrying: a transport failure,
// a throttle, or a server-side error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrThrottled) || errors.Is(err, ErrServerError)
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	return errors.Is(err, ErrServerError)
}

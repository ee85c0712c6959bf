// Package transport provides the HTTP transport used by the LinkID client.
//
// A Transport sends one logical request, retrying transient failures
// (network errors, per-attempt timeouts and 5xx responses) with exponential
// backoff. Client errors (4xx) and all other statuses are returned to the
// caller on the first attempt for classification.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Transport defines the interface for resolver transports.
type Transport interface {
	// Send issues the request and returns the first usable response.
	// When every attempt fails it returns an *ExhaustedError.
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Request represents a single logical HTTP request.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte        // Optional; re-sent on every attempt
	Timeout time.Duration // Per-attempt timeout; zero uses the transport default
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int // Number of attempts used to obtain this response
}

// IsRedirect reports whether the status is one of the redirect codes a resolver uses.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the status is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError reports a 5xx response that was treated as a failed attempt.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// RequestError reports a request that could not be built, such as a malformed
// URL. It is returned on the first attempt and never retried.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid request: %v", e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when no attempt produced a usable response.
type ExhaustedError struct {
	Attempts int
	Err      error // Cause of the last failed attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// LastStatus returns the HTTP status of the last attempt if it failed with a 5xx, or 0.
func (e *ExhaustedError) LastStatus() int {
	var se *StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return 0
}

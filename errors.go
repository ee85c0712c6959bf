package linkid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linkgenetic/linkid-go/transport"
)

// ErrorKind is the closed set of failure categories.
type ErrorKind int

const (
	KindValidation     ErrorKind = iota + 1 // Rejected client-side or by a 400/422
	KindAuthentication                      // 401
	KindAuthorization                       // 403
	KindNotFound                            // 404
	KindWithdrawn                           // 410
	KindRateLimit                           // 429
	KindNetwork                             // Transport exhausted its attempts
	KindHTTP                                // Any other non-success status
)

// Stable machine-readable error codes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeWithdrawn    = "WITHDRAWN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeNetwork      = "NETWORK_ERROR"
	CodeHTTP         = "HTTP_ERROR"
)

// Code returns the stable code for k.
func (k ErrorKind) Code() string {
	switch k {
	case KindValidation:
		return CodeValidation
	case KindAuthentication:
		return CodeUnauthorized
	case KindAuthorization:
		return CodeForbidden
	case KindNotFound:
		return CodeNotFound
	case KindWithdrawn:
		return CodeWithdrawn
	case KindRateLimit:
		return CodeRateLimited
	case KindNetwork:
		return CodeNetwork
	default:
		return CodeHTTP
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not found"
	case KindWithdrawn:
		return "withdrawn"
	case KindRateLimit:
		return "rate limit"
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// Sentinel errors for use with errors.Is. Comparison is by kind only.
var (
	ErrValidation     = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrUnauthorized   = &Error{Kind: KindAuthentication, Message: "authentication required"}
	ErrForbidden      = &Error{Kind: KindAuthorization, Message: "insufficient permissions"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "LinkID not found"}
	ErrWithdrawn      = &Error{Kind: KindWithdrawn, Message: "LinkID withdrawn"}
	ErrRateLimited    = &Error{Kind: KindRateLimit, Message: "rate limit exceeded"}
	ErrNetwork        = &Error{Kind: KindNetwork, Message: "network error"}
	ErrHTTP           = &Error{Kind: KindHTTP, Message: "unexpected HTTP response"}
	ErrClientClosed   = errors.New("linkid: client is closed")
	ErrChecksumFormat = errors.New("linkid: malformed checksum")
)

// Error is the error type returned by every Client operation.
// Fields beyond Kind and Message are populated only for the kinds they describe.
type Error struct {
	Kind    ErrorKind
	Message string

	// LinkID is the identifier exactly as the caller supplied it.
	LinkID string

	// StatusCode is the HTTP status that produced the error, when there was one.
	StatusCode int

	// Tombstone is the raw tombstone payload of a withdrawn identifier.
	Tombstone json.RawMessage

	// RetryAfter is the server's backoff hint for rate limited requests.
	RetryAfter time.Duration

	// Attempts is the number of transport attempts made for network errors.
	Attempts int

	// Err is the underlying cause, if any.
	Err error
}

func newIdentifierError(kind ErrorKind, linkID, message string) *Error {
	return &Error{Kind: kind, LinkID: linkID, Message: message}
}

func (e *Error) Error() string {
	if e.Kind == KindNetwork && e.Err != nil {
		return fmt.Sprintf("linkid [%s]: %s: %v", e.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("linkid [%s]: %s", e.Code(), e.Message)
}

// Code returns the stable machine-readable code.
func (e *Error) Code() string {
	return e.Kind.Code()
}

// Is implements errors.Is for error comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the operation may succeed.
// Only network failures qualify.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}

// DecodeTombstone parses the raw tombstone payload.
func (e *Error) DecodeTombstone() (*Tombstone, error) {
	if len(e.Tombstone) == 0 {
		return nil, nil
	}
	var t Tombstone
	if err := json.Unmarshal(e.Tombstone, &t); err != nil {
		return nil, fmt.Errorf("decode tombstone: %w", err)
	}
	return &t, nil
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsValidation checks if an error was caused by invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound checks if an error indicates the identifier is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsWithdrawn checks if an error indicates the identifier was withdrawn.
func IsWithdrawn(err error) bool {
	return errors.Is(err, ErrWithdrawn)
}

// IsUnauthorized checks if an error indicates authentication is required.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsForbidden checks if an error indicates insufficient permissions.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsRateLimited checks if an error indicates rate limiting.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// errorBody is the subset of an error response the classifier reads.
type errorBody struct {
	Error     any             `json:"error"`
	Message   any             `json:"message"`
	Tombstone json.RawMessage `json:"tombstone"`
}

// classifyResponse maps a non-success response to an *Error.
// linkID is the identifier as supplied by the caller, or "" for register.
func classifyResponse(resp *transport.Response, linkID string) *Error {
	var body errorBody
	parsed := json.Unmarshal(resp.Body, &body) == nil
	message, fromBody := errorMessage(body)
	if !fromBody {
		message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	e := &Error{StatusCode: resp.StatusCode, Message: message}

	switch status := resp.StatusCode; {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthentication
	case status == http.StatusForbidden:
		e.Kind = KindAuthorization
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
		e.LinkID = linkID
		if !fromBody {
			e.Message = "LinkID not found: " + linkID
		}
	case status == http.StatusGone:
		e.Kind = KindWithdrawn
		e.LinkID = linkID
		if !fromBody {
			e.Message = "LinkID withdrawn: " + linkID
		}
		switch {
		case len(body.Tombstone) > 0 && string(body.Tombstone) != "null":
			e.Tombstone = body.Tombstone
		case parsed && isJSONObject(resp.Body):
			e.Tombstone = json.RawMessage(resp.Body)
		}
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case status >= 500:
		e.Kind = KindNetwork
		e.Attempts = resp.Attempts
		e.Err = &transport.StatusError{StatusCode: status}
	default:
		e.Kind = KindHTTP
	}
	return e
}

// classifyTransportError maps a transport failure to an *Error.
// Context cancellation is returned unchanged.
func classifyTransportError(err error) error {
	var exhausted *transport.ExhaustedError
	if errors.As(err, &exhausted) {
		return &Error{
			Kind:       KindNetwork,
			Message:    fmt.Sprintf("request failed after %d attempts", exhausted.Attempts),
			Attempts:   exhausted.Attempts,
			StatusCode: exhausted.LastStatus(),
			Err:        exhausted.Err,
		}
	}
	var reqErr *transport.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: KindValidation, Message: reqErr.Error(), Err: reqErr.Err}
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if isContextError(err) {
		return err
	}
	return &Error{Kind: KindNetwork, Message: "request failed", Attempts: 1, Err: err}
}

// errorMessage prefers the body's "error" field, then "message".
func errorMessage(body errorBody) (string, bool) {
	if s, ok := body.Error.(string); ok && s != "" {
		return s, true
	}
	if s, ok := body.Message.(string); ok && s != "" {
		return s, true
	}
	return "", false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isJSONObject(b []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(b)), "{")
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Kind classifies a request failure independently of HTTP status-code
// literalism. Classification happens once, at the transport boundary;
// everything above (request manager, data controllers) branches on Kind.
type Kind int

const (
	// KindUnknown is the conservative default for uncategorized failures.
	KindUnknown Kind = iota
	// KindNetwork covers connection, DNS and transport-level failures.
	KindNetwork
	// KindServer covers 5xx responses.
	KindServer
	// KindRateLimit covers 429 responses.
	KindRateLimit
	// KindValidation covers 422 responses.
	KindValidation
	// KindPermission covers 401/403 responses and explicit
	// "not authenticated" signals.
	KindPermission
	// KindCanceled covers context cancellation, per-attempt timeouts and
	// staleness eviction. Never conflated with a server error.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindRateLimit:
		return "rate_limit"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind may be retried.
// Unknown failures are retryable as a conservative default.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer, KindRateLimit, KindUnknown:
		return true
	default:
		return false
	}
}

// Error is the classified failure returned by the client package.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error may be retried.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// ErrorKind extracts the Kind from err, or KindUnknown if err carries none.
func ErrorKind(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// classifyStatus builds a classified error from a non-2xx response.
// The error body is parsed tolerantly: JSON bodies with message/error string
// fields contribute the message; anything else falls back to the HTTP status
// text.
func classifyStatus(status int, body []byte) *Error {
	kind := KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusUnprocessableEntity:
		kind = KindValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = KindPermission
	case status >= 500:
		kind = KindServer
	}
	return &Error{
		Kind:       kind,
		StatusCode: status,
		Message:    errorMessage(status, body),
	}
}

// classifyErr builds a classified error from a transport-level failure.
func classifyErr(err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Err: err}
	}
	// Anything else at this layer is a transport failure.
	return &Error{Kind: KindNetwork, Err: err}
}

func errorMessage(status int, body []byte) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "message"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
		if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String && msg.Str != "" {
			return msg.Str
		}
	}
	return http.StatusText(status)
}

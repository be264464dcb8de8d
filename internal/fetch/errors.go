package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by operations on a closed executor or transport.
var ErrClosed = errors.New("fetch: closed")

// TransportError is a network or connection failure. Retryable by default.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "fetch: transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-2xx status, a malformed body, or a response that
// carries only request-level errors. Retryable only when classified so.
type ProtocolError struct {
	StatusCode int
	Message    string
	Body       string
	Retryable  bool
	Errors     []FieldError
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	b.WriteString("fetch: protocol")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// FieldError is a located GraphQL error returned next to partial data. It is
// never retried; it is attached to the top-level selection its path starts
// with.
type FieldError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e FieldError) Error() string {
	return e.Message
}

// Code returns extensions.code, if any.
func (e FieldError) Code() string {
	c, _ := e.Extensions["code"].(string)
	return c
}

// Root returns the top-level response key of the error path.
func (e FieldError) Root() string {
	if len(e.Path) == 0 {
		return ""
	}
	s, _ := e.Path[0].(string)
	return s
}

// RetryableCodes are extensions.code values that mark a request-level error
// as transient.
var RetryableCodes = map[string]bool{
	"SERVICE_UNAVAILABLE": true,
	"TIMEOUT":             true,
	"RATE_LIMITED":        true,
}

// IsRetryable is the default retry predicate: transport failures and
// protocol errors classified as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// RetryableStatus reports whether an HTTP status is transient.
func RetryableStatus(code int) bool {
	return code == 429 || code >= 500
}

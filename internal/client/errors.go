package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jkaninda/cloudrelay/internal/protocol"
)

// Pre-flight errors. None of them is ever preceded by a network call.
var (
	ErrInvalidMethod = protocol.ErrInvalidMethod
	ErrInvalidPath   = protocol.ErrInvalidPath
	ErrMissingField  = errors.New("missing required field")
)

var (
	// ErrSessionNotRegistered matches a ForwardingError for an identifier
	// the broker has no credential for.
	ErrSessionNotRegistered = errors.New("session not registered with broker")

	// ErrMissingCredential is returned when no provider key was supplied and
	// none could be resolved from the configured secret reference.
	ErrMissingCredential = errors.New("no provider credential configured")
)

const maxErrorBodyInMessage = 512

// MissingFieldError names the required field a convenience operation was
// called without.
type MissingFieldError struct {
	Operation string
	Field     string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s %q", e.Operation, ErrMissingField, e.Field)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

func missing(op, field string) error {
	return &MissingFieldError{Operation: op, Field: field}
}

// TransportError reports that the broker could not be reached or its
// response could not be read.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RegistrationError reports a failed credential registration. Err is set for
// local validation and transport failures; StatusCode and Code are set when
// the broker rejected the request.
type RegistrationError struct {
	StatusCode int
	Code       protocol.ErrorCode
	Message    string
	Body       []byte
	Err        error
}

func (e *RegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registering credential: %v", e.Err)
	}
	return fmt.Sprintf("registering credential: broker returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ForwardingError reports a failure produced by the broker itself rather
// than by the upstream provider: transport faults, rejected envelopes,
// unregistered sessions, rate limiting.
type ForwardingError struct {
	Op         string // "forward", "status" or "revoke"
	StatusCode int
	Code       protocol.ErrorCode
	Message    string
	Body       []byte
	Err        error
}

func (e *ForwardingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: broker returned %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
}

func (e *ForwardingError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSessionNotRegistered) hold for the broker's
// unregistered-session rejection.
func (e *ForwardingError) Is(target error) bool {
	return target == ErrSessionNotRegistered && e.Code == protocol.CodeSessionNotRegistered
}

// UpstreamError is a non-2xx response produced by the provider API and
// relayed by the broker unchanged.
type UpstreamError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, truncate(e.Body))
}

func truncate(b []byte) string {
	if len(b) > maxErrorBodyInMessage {
		return string(b[:maxErrorBodyInMessage]) + "..."
	}
	return string(b)
}

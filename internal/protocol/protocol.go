// Package protocol defines the wire types shared by the session client and
// the key broker: credential registration, status queries and the forwarding
// envelope. Both sides validate with the same rules so a request rejected
// locally is never sent, and a request the broker accepts is exactly what
// the client built.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Broker endpoints.
const (
	PathSetAPIKey    = "/set-apikey"
	PathAPIKeyStatus = "/apikey-status"
	PathProxy        = "/proxy"
	PathAPIKey       = "/apikey"
)

// HeaderUpstreamStatus is set by the broker on every response it relays
// from the upstream provider. Its absence on a non-2xx response means the
// broker itself produced the failure.
const HeaderUpstreamStatus = "X-Cloudrelay-Upstream-Status"

// QueryUserID is the query parameter carrying the session identifier.
const QueryUserID = "userId"

// Limits applied on both sides of the wire.
const (
	MaxUserIDLength = 128
	MaxAPIKeyLength = 512
)

var (
	// ErrInvalidMethod is returned for methods outside GET/POST/PUT/DELETE.
	ErrInvalidMethod = errors.New("invalid method")
	// ErrInvalidPath is returned for paths that are not provider-relative.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidSession is returned for empty or malformed session identifiers.
	ErrInvalidSession = errors.New("invalid session identifier")
	// ErrInvalidAPIKey is returned for empty or malformed provider keys.
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Method is an HTTP method the broker is allowed to forward.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// Methods lists every forwardable method.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete}

// ParseMethod returns the Method for s. Matching is exact: "get" is rejected
// the same way "PATCH" is.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (allowed: GET, POST, PUT, DELETE)", ErrInvalidMethod, s)
	}
}

// String implements fmt.Stringer.
func (m Method) String() string { return string(m) }

// HasBody reports whether requests with this method conventionally carry a body.
func (m Method) HasBody() bool {
	return m == MethodPost || m == MethodPut
}

// ValidatePath checks that path is relative to the provider API root.
// It must begin with a single "/" and must not carry a scheme or authority.
func ValidatePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q must begin with '/'", ErrInvalidPath, path)
	}
	if strings.HasPrefix(path, "//") {
		return fmt.Errorf("%w: %q must not begin with '//'", ErrInvalidPath, path)
	}
	if strings.ContainsAny(path, " \r\n\t#") {
		return fmt.Errorf("%w: %q contains forbidden characters", ErrInvalidPath, path)
	}
	if _, err := url.ParseRequestURI(path); err != nil {
		return fmt.Errorf("%w: %q is not a valid request URI", ErrInvalidPath, path)
	}
	return nil
}

// ValidateUserID checks a session identifier. Identifiers are opaque; only
// length and printability are enforced.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	}
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSession, MaxUserIDLength)
	}
	if !printable(id) {
		return fmt.Errorf("%w: contains non-printable characters", ErrInvalidSession)
	}
	return nil
}

// ValidateAPIKey checks a provider credential before it is stored.
func ValidateAPIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAPIKey)
	}
	if len(key) > MaxAPIKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidAPIKey, MaxAPIKeyLength)
	}
	if strings.TrimSpace(key) != key || !printable(key) || strings.Contains(key, " ") {
		return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidAPIKey)
	}
	return nil
}

func printable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

// RegisterRequest is the JSON body for POST /set-apikey.
type RegisterRequest struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}

// Validate checks the registration payload.
func (r *RegisterRequest) Validate() error {
	if err := ValidateUserID(r.UserID); err != nil {
		return err
	}
	return ValidateAPIKey(r.APIKey)
}

// RegisterResponse is returned by a successful registration.
type RegisterResponse struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// StatusResponse is returned by GET /apikey-status. It never carries key
// material.
type StatusResponse struct {
	Registered bool       `json:"registered"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// RevokeResponse is returned by DELETE /apikey.
type RevokeResponse struct {
	Status string `json:"status"`
}

// ForwardRequest is the envelope sent to POST /proxy.
type ForwardRequest struct {
	UserID string          `json:"userId"`
	Path   string          `json:"path"`
	Method Method          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewForwardRequest builds and validates an envelope. A nil body is omitted
// from the wire; any other body is marshaled to JSON, with json.RawMessage
// and []byte passed through as-is.
func NewForwardRequest(userID string, method string, path string, body any) (*ForwardRequest, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return &ForwardRequest{UserID: userID, Path: path, Method: m, Body: raw}, nil
}

// Validate re-checks an envelope received over the wire. A body of JSON
// null is cleared so it is treated as absent.
func (f *ForwardRequest) Validate() error {
	if _, err := ParseMethod(string(f.Method)); err != nil {
		return err
	}
	if err := ValidatePath(f.Path); err != nil {
		return err
	}
	if err := ValidateUserID(f.UserID); err != nil {
		return err
	}
	if len(f.Body) > 0 && !json.Valid(f.Body) {
		return fmt.Errorf("body is not valid JSON")
	}
	if isNull(f.Body) {
		f.Body = nil
	}
	return nil
}

// isNull reports whether raw is the JSON literal null.
func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(b) == 0 {
			return nil, nil
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("body is not valid JSON")
		}
		if isNull(b) {
			return nil, nil
		}
		return b, nil
	case []byte:
		return encodeBody(json.RawMessage(b))
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		if string(data) == "null" {
			return nil, nil
		}
		return data, nil
	}
}

// ErrorCode is a stable, machine-readable broker error code.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "invalid_request"
	CodeInvalidSession       ErrorCode = "invalid_session"
	CodeInvalidAPIKey        ErrorCode = "invalid_api_key"
	CodeInvalidMethod        ErrorCode = "invalid_method"
	CodeInvalidPath          ErrorCode = "invalid_path"
	CodeSessionNotRegistered ErrorCode = "session_not_registered"
	CodeRateLimited          ErrorCode = "rate_limited"
	CodeUnauthorized         ErrorCode = "unauthorized"
	CodeUpstreamUnreachable  ErrorCode = "upstream_unreachable"
	CodeUpstreamTooLarge     ErrorCode = "upstream_too_large"
	CodeInternal             ErrorCode = "internal"
)

// ErrorBody is the JSON body of every broker-originated error.
type ErrorBody struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

// CodeFor maps a validation error to its wire code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidMethod):
		return CodeInvalidMethod
	case errors.Is(err, ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, ErrInvalidSession):
		return CodeInvalidSession
	case errors.Is(err, ErrInvalidAPIKey):
		return CodeInvalidAPIKey
	default:
		return CodeInvalidRequest
	}
}

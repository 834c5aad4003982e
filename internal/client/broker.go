// Package client is the session side of the key broker protocol. A Broker
// speaks the wire protocol; a Session binds one generated identifier to a
// registered credential and exposes the provider's resources on top of
// Forward.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/cloudrelay/internal/protocol"
	"github.com/jkaninda/cloudrelay/internal/session"
)

const (
	DefaultBrokerURL = "https://action.letscloud.io"
	DefaultUserAgent = "cloudrelay-client/1.0"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 32 << 20
)

// ErrResponseTooLarge is wrapped by the TransportError returned when a
// broker response exceeds the read limit.
var ErrResponseTooLarge = errors.New("response body too large")

// Broker is a client for the key broker's HTTP protocol. It is safe for
// concurrent use and holds no credential material.
type Broker struct {
	baseURL     string
	httpClient  *http.Client
	userAgent   string
	accessToken string
	maxBody     int64
	logger      *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Broker) { b.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(b *Broker) { b.userAgent = ua }
}

// WithAccessToken sends Authorization: Bearer <token> to brokers that
// restrict their tenant endpoints.
func WithAccessToken(token string) Option {
	return func(b *Broker) { b.accessToken = token }
}

// WithMaxResponseBytes caps how much of a response is read. Larger responses
// fail with ErrResponseTooLarge rather than being cut short. Default 32 MiB.
func WithMaxResponseBytes(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxBody = n
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// NewBroker creates a Broker for baseURL. An empty baseURL selects
// DefaultBrokerURL.
func NewBroker(baseURL string, opts ...Option) (*Broker, error) {
	if baseURL == "" {
		baseURL = DefaultBrokerURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid broker URL %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid broker URL %q: missing host", baseURL)
	}

	b := &Broker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  DefaultUserAgent,
		maxBody:    maxResponseBytes,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// URL returns the broker base URL.
func (b *Broker) URL() string { return b.baseURL }

// RegisterResult is the broker's acknowledgement of a registration.
type RegisterResult struct {
	Status    string
	ExpiresAt *time.Time
}

// Status is the broker's answer to a status query.
type Status struct {
	Registered bool
	ExpiresAt  *time.Time
}

// Response is a relayed upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body as JSON into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// RegisterCredential binds apiKey to id on the broker. The key is sent once
// and never retained by the Broker.
func (b *Broker) RegisterCredential(ctx context.Context, id session.ID, apiKey string) (*RegisterResult, error) {
	req := protocol.RegisterRequest{UserID: id.String(), APIKey: apiKey}
	if err := req.Validate(); err != nil {
		return nil, &RegistrationError{Err: err}
	}

	resp, err := b.do(ctx, http.MethodPost, b.baseURL+protocol.PathSetAPIKey, req)
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	if !success(resp.StatusCode) {
		body := decodeError(resp.Body)
		return nil, &RegistrationError{
			StatusCode: resp.StatusCode,
			Code:       body.Code,
			Message:    body.Error,
			Body:       resp.Body,
		}
	}

	var out protocol.RegisterResponse
	if err := resp.Decode(&out); err != nil {
		return nil, &RegistrationError{StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}
	b.logger.DebugContext(ctx, "credential registered", slog.String("session", id.String()))
	return &RegisterResult{Status: out.Status, ExpiresAt: out.ExpiresAt}, nil
}

// Status asks whether id has a live binding. An unregistered identifier is
// reported as Registered=false, not as an error.
func (b *Broker) Status(ctx context.Context, id session.ID) (*Status, error) {
	if err := protocol.ValidateUserID(id.String()); err != nil {
		return nil, err
	}
	endpoint := b.baseURL + protocol.PathAPIKeyStatus + "?" + url.Values{protocol.QueryUserID: {id.String()}}.Encode()

	resp, err := b.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ForwardingError{Op: "status", Err: err}
	}
	if !success(resp.StatusCode) {
		return nil, brokerError("status", resp)
	}

	var out protocol.StatusResponse
	if err := resp.Decode(&out); err != nil {
		return nil, &ForwardingError{Op: "status", StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}
	return &Status{Registered: out.Registered, ExpiresAt: out.ExpiresAt}, nil
}

// Revoke deletes the binding for id. Revoking an unknown identifier succeeds.
func (b *Broker) Revoke(ctx context.Context, id session.ID) error {
	if err := protocol.ValidateUserID(id.String()); err != nil {
		return err
	}
	endpoint := b.baseURL + protocol.PathAPIKey + "?" + url.Values{protocol.QueryUserID: {id.String()}}.Encode()

	resp, err := b.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return &ForwardingError{Op: "revoke", Err: err}
	}
	if !success(resp.StatusCode) {
		return brokerError("revoke", resp)
	}
	b.logger.DebugContext(ctx, "credential revoked", slog.String("session", id.String()))
	return nil
}

// Forward asks the broker to perform method path with body against the
// provider on behalf of id. method and path are validated before anything
// is sent. A nil body is omitted from the envelope.
func (b *Broker) Forward(ctx context.Context, id session.ID, method, path string, body any) (*Response, error) {
	env, err := protocol.NewForwardRequest(id.String(), method, path, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := b.do(ctx, http.MethodPost, b.baseURL+protocol.PathProxy, env)
	if err != nil {
		return nil, &ForwardingError{Op: "forward", Err: err}
	}

	b.logger.DebugContext(ctx, "forwarded request",
		slog.String("session", id.String()),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	relayed := resp.Header.Get(protocol.HeaderUpstreamStatus) != ""
	switch {
	case success(resp.StatusCode):
		return resp, nil
	case relayed:
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
	default:
		return nil, brokerError("forward", resp)
	}
}

// do sends one request and reads the whole response. It never retries.
func (b *Broker) do(ctx context.Context, method, endpoint string, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)
	if b.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.accessToken)
	}

	httpResp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: redactQuery(endpoint), Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, b.maxBody+1))
	if err != nil {
		return nil, &TransportError{Method: method, URL: redactQuery(endpoint), Err: fmt.Errorf("reading response body: %w", err)}
	}
	if int64(len(data)) > b.maxBody {
		return nil, &TransportError{Method: method, URL: redactQuery(endpoint), Err: fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, b.maxBody)}
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func success(code int) bool { return code >= 200 && code < 300 }

func decodeError(body []byte) protocol.ErrorBody {
	var eb protocol.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		eb.Error = truncate(body)
	}
	return eb
}

func brokerError(op string, resp *Response) error {
	body := decodeError(resp.Body)
	return &ForwardingError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    body.Error,
		Body:       resp.Body,
	}
}

// redactQuery strips the query string so identifiers do not end up in
// error strings that callers may log verbatim.
func redactQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

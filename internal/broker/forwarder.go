package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cloudrelay/internal/observability"
	"github.com/jkaninda/cloudrelay/internal/protocol"
)

// Upstream authentication schemes.
const (
	AuthBearer = "bearer"
	AuthHeader = "header"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultMaxResponse     = 32 << 20
	upstreamUserAgent      = "cloudrelay-broker/1.0"
)

// ErrUpstreamUnreachable is returned when no response was received from the
// provider API.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// ErrUpstreamTooLarge is returned when the provider's response body exceeds
// the relay limit. Nothing is relayed in that case.
var ErrUpstreamTooLarge = errors.New("upstream response too large")

// hopHeaders are connection-scoped and never relayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	BaseURL    string        // Provider API root, e.g. "https://api.letscloud.io".
	AuthScheme string        // AuthBearer (default) or AuthHeader.
	AuthHeader string        // Header name for AuthHeader, e.g. "api-token".
	Timeout    time.Duration // Per request. 0 = 30s.
	HTTPClient *http.Client  // Optional; redirects are disabled on a copy.

	MaxResponseBytes int64 // Largest relayed body. 0 = 32 MiB.
}

// Forwarder sends validated envelopes to the provider API with the stored
// credential attached. It never alters the caller's method, path or body.
type Forwarder struct {
	base    string
	scheme  string
	header  string
	client  *http.Client
	maxBody int64
	metrics *observability.MetricsCollector
	anomaly *observability.AnomalyDetector
	tracer  trace.Tracer
	logger  *slog.Logger
}

// UpstreamResponse is a provider response as relayed to the caller.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewForwarder validates cfg and returns a Forwarder. obs may be nil.
func NewForwarder(cfg ForwarderConfig, obs *observability.Observability, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be an absolute http(s) URL", cfg.BaseURL)
	}

	scheme := strings.ToLower(cfg.AuthScheme)
	switch scheme {
	case "", AuthBearer:
		scheme = AuthBearer
	case AuthHeader:
		if cfg.AuthHeader == "" {
			return nil, fmt.Errorf("auth scheme %q requires a header name", AuthHeader)
		}
	default:
		return nil, fmt.Errorf("unsupported auth scheme %q", cfg.AuthScheme)
	}

	client := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		client = &c
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	} else if client.Timeout == 0 {
		client.Timeout = defaultUpstreamTimeout
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponse
	}

	return &Forwarder{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		scheme:  scheme,
		header:  cfg.AuthHeader,
		client:  client,
		maxBody: maxBody,
		metrics: obs.MetricsOrNil(),
		anomaly: obs.AnomalyOrNil(),
		tracer:  obs.SpanTracer(),
		logger:  logger,
	}, nil
}

// Forward performs req against the provider with apiKey attached. Any
// response, whatever its status, is returned as an UpstreamResponse. An
// error wrapping ErrUpstreamUnreachable means nothing usable came back;
// ErrUpstreamTooLarge means the body exceeded the relay limit.
func (f *Forwarder) Forward(ctx context.Context, req *protocol.ForwardRequest, apiKey string) (*UpstreamResponse, error) {
	method := req.Method.String()
	ctx, span := observability.StartSpan(ctx, f.tracer, "upstream "+method,
		attribute.String("http.method", method),
		attribute.String("upstream.path", pathOnly(req.Path)),
	)
	defer span.End()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, f.base+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", upstreamUserAgent)
	f.authorize(httpReq, apiKey)

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		f.metrics.RecordUpstream(method, 0, elapsed.Seconds())
		f.anomaly.RecordError(method)
		span.SetStatus(codes.Error, "upstream unreachable")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstreamUnreachable, method, pathOnly(req.Path), scrub(err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		f.metrics.RecordUpstream(method, resp.StatusCode, elapsed.Seconds())
		f.anomaly.RecordError(method)
		span.SetStatus(codes.Error, "reading upstream body")
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamUnreachable, err)
	}
	if int64(len(data)) > f.maxBody {
		f.metrics.RecordUpstream(method, resp.StatusCode, elapsed.Seconds())
		span.SetStatus(codes.Error, "upstream body too large")
		return nil, fmt.Errorf("%w: %s %s: body exceeds %d bytes", ErrUpstreamTooLarge, method, pathOnly(req.Path), f.maxBody)
	}

	f.metrics.RecordUpstream(method, resp.StatusCode, elapsed.Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		f.anomaly.RecordError(method)
		span.SetStatus(codes.Error, resp.Status)
	} else {
		f.anomaly.RecordSuccess(method)
	}

	f.logger.Debug("upstream response",
		slog.String("method", method),
		slog.String("path", pathOnly(req.Path)),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
	)

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     relayHeaders(resp.Header),
		Body:       data,
	}, nil
}

func (f *Forwarder) authorize(r *http.Request, apiKey string) {
	if f.scheme == AuthHeader {
		r.Header.Set(f.header, apiKey)
		return
	}
	r.Header.Set("Authorization", "Bearer "+apiKey)
}

// WriteTo relays the response verbatim and marks it as upstream-originated.
func (u *UpstreamResponse) WriteTo(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range u.Header {
		h[k] = append([]string(nil), vs...)
	}
	if len(u.Body) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(u.Body)))
	}
	h.Set(protocol.HeaderUpstreamStatus, strconv.Itoa(u.StatusCode))
	w.WriteHeader(u.StatusCode)
	_, _ = w.Write(u.Body)
}

// relayHeaders copies end-to-end headers. Framing headers are recomputed
// on write and cookies are never passed to tenants.
func relayHeaders(src http.Header) http.Header {
	dst := src.Clone()
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Content-Length")
	dst.Del("Set-Cookie")
	dst.Del(protocol.HeaderUpstreamStatus)
	return dst
}

// pathOnly strips the query so ids in query strings stay out of logs and spans.
func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

// scrub drops the URL from transport errors, keeping only the cause.
func scrub(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

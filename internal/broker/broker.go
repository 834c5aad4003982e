// Package broker implements the key broker: it binds session identifiers to
// provider API keys and forwards tenant requests to the provider with the
// bound key attached.
//
// Security:
//   - Keys are write-only: no endpoint returns or logs them
//   - Forwarding on an unregistered session never reaches the provider
//   - Optional access tokens on the tenant endpoints (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-session rate limiting via token bucket
package broker

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/cloudrelay/internal/config"
	"github.com/jkaninda/cloudrelay/internal/credstore"
	"github.com/jkaninda/cloudrelay/internal/observability"
	"github.com/jkaninda/cloudrelay/internal/protocol"
	"github.com/jkaninda/cloudrelay/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// Config configures the broker server.
type Config struct {
	ListenAddr      string        // e.g. ":8080"
	CredentialTTL   time.Duration // 0 = bindings never expire.
	MaxRequestSize  int64         // 0 = 1 MB.
	AccessTokens    []string      // Empty = tenant endpoints are open.
	EnableDocs      bool
	MetricsPath     string // Default: "/metrics".
	Version         string
	ShutdownTimeout time.Duration
	Forwarder       ForwarderConfig
}

// ConfigFrom maps the file configuration onto a broker Config.
func ConfigFrom(cfg *config.Config, version string) Config {
	b := cfg.Broker
	var metricsPath string
	if o := cfg.Observability; o != nil {
		metricsPath = o.Metrics.MetricsPath()
	}
	return Config{
		ListenAddr:      b.Listen(),
		CredentialTTL:   b.CredentialTTL(),
		MaxRequestSize:  b.BodyLimit(),
		AccessTokens:    b.Tokens(),
		EnableDocs:      b != nil && b.EnableDocs,
		MetricsPath:     metricsPath,
		Version:         version,
		ShutdownTimeout: b.ShutdownTimeout(),
		Forwarder: ForwarderConfig{
			BaseURL:    b.Upstream(),
			AuthScheme: b.Scheme(),
			AuthHeader: b.Header(),
			Timeout:    b.UpstreamTimeout(),
		},
	}
}

// Server is the key broker HTTP server.
type Server struct {
	config    Config
	store     credstore.Store
	limiter   *ratelimit.Limiter
	forwarder *Forwarder
	obs       *observability.Observability
	logger    *slog.Logger
	okapi     *okapi.Okapi
	server    *http.Server
}

// New creates a broker server and registers its routes. limiter and obs may be nil.
func New(cfg Config, store credstore.Store, limiter *ratelimit.Limiter, obs *observability.Observability, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("broker: credential store is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	fwd, err := NewForwarder(cfg.Forwarder, obs, logger)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	s := &Server{
		config:    cfg,
		store:     store,
		limiter:   limiter,
		forwarder: fwd,
		obs:       obs,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	if h := obs.HealthOrNil(); h != nil {
		h.AddCheck("store", store.Ping)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	// Metrics/tracing middleware (applied globally).
	if m, t := s.obs.MetricsOrNil(), s.obs.SpanTracer(); m != nil || t != nil {
		known := []string{
			protocol.PathSetAPIKey, protocol.PathAPIKeyStatus, protocol.PathProxy,
			protocol.PathAPIKey, "/healthz", "/readyz", s.config.MetricsPath,
		}
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(m, t, next, known...)
		})
	}

	s.okapi.Post(protocol.PathSetAPIKey, s.handleRegister,
		okapi.DocSummary("Bind a provider API key to a session"),
		okapi.DocTags("Credentials"),
		okapi.DocRequestBody(protocol.RegisterRequest{}),
		okapi.DocResponse(protocol.RegisterResponse{}),
		okapi.DocResponse(http.StatusBadRequest, protocol.ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, protocol.ErrorBody{}),
	)
	s.okapi.Get(protocol.PathAPIKeyStatus, s.handleStatus,
		okapi.DocSummary("Report whether a session has a key bound"),
		okapi.DocTags("Credentials"),
		okapi.DocResponse(protocol.StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, protocol.ErrorBody{}),
	)
	s.okapi.Delete(protocol.PathAPIKey, s.handleRevoke,
		okapi.DocSummary("Drop the key bound to a session"),
		okapi.DocTags("Credentials"),
		okapi.DocResponse(protocol.RevokeResponse{}),
		okapi.DocResponse(http.StatusBadRequest, protocol.ErrorBody{}),
	)

	// The proxy relays arbitrary upstream bodies, so it is a plain handler.
	s.okapi.HandleStd(http.MethodPost, protocol.PathProxy, s.handleProxy)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness,
		okapi.DocSummary("Liveness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
	)
	s.okapi.Get("/readyz", s.handleReadiness,
		okapi.DocSummary("Readiness probe"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)
	if m := s.obs.MetricsOrNil(); m != nil {
		s.okapi.HandleStd(http.MethodGet, s.config.MetricsPath, m.Handler().ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Cloudrelay key broker",
			Version: s.config.Version,
		})
	}
}

// Handler returns the broker's HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.okapi
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.config.Forwarder.Timeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.refreshStored(ctx)
	s.logger.Info("key broker starting",
		slog.String("addr", s.config.ListenAddr),
		slog.String("upstream", s.forwarder.base),
		slog.String("auth_scheme", s.forwarder.scheme),
		slog.Bool("access_tokens", len(s.config.AccessTokens) > 0),
		slog.Duration("credential_ttl", s.config.CredentialTTL),
	)
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("key broker stopping")
	return s.okapi.Shutdown(s.server)
}

// authorized checks the Authorization header against the access tokens.
// With no tokens configured every request is authorized.
func (s *Server) authorized(r *http.Request) bool {
	if len(s.config.AccessTokens) == 0 {
		return true
	}
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return false
	}
	presented := []byte(strings.TrimPrefix(h, "Bearer "))
	ok := 0
	for _, t := range s.config.AccessTokens {
		ok |= subtle.ConstantTimeCompare(presented, []byte(t))
	}
	return ok == 1
}

// refreshStored updates the stored-credentials gauge.
func (s *Server) refreshStored(ctx context.Context) {
	m := s.obs.MetricsOrNil()
	if m == nil {
		return
	}
	n, err := s.store.Len(ctx)
	if err != nil {
		s.logger.Warn("counting credentials", slog.String("error", err.Error()))
		return
	}
	m.SetStored(n)
}

// RefreshMetrics re-reads store-derived gauges; the expiry sweeper calls it
// after each purge.
func (s *Server) RefreshMetrics(ctx context.Context) {
	s.refreshStored(ctx)
}

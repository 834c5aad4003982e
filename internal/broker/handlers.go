package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/cloudrelay/internal/credstore"
	"github.com/jkaninda/cloudrelay/internal/observability"
	"github.com/jkaninda/cloudrelay/internal/protocol"
	"github.com/jkaninda/cloudrelay/internal/ratelimit"
	"github.com/jkaninda/cloudrelay/internal/secrets"
)

// HeaderRequestID carries the correlation id of a broker request.
const HeaderRequestID = "X-Request-Id"

func (s *Server) handleRegister(c *okapi.Context) error {
	r := c.Request()
	if !s.authorized(r) {
		return abort(c, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid access token")
	}

	r.Body = http.MaxBytesReader(nil, r.Body, s.config.MaxRequestSize)
	var req protocol.RegisterRequest
	if err := c.Bind(&req); err != nil {
		s.obs.MetricsOrNil().RecordRegistration("rejected")
		return abort(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		s.obs.MetricsOrNil().RecordRegistration("rejected")
		return abort(c, http.StatusBadRequest, protocol.CodeFor(err), err.Error())
	}

	cred, err := s.store.Put(r.Context(), req.UserID, req.APIKey, s.config.CredentialTTL)
	if err != nil {
		s.logger.Error("storing credential",
			slog.String("session", secrets.Redact(req.UserID)),
			slog.String("error", err.Error()),
		)
		return abort(c, http.StatusInternalServerError, protocol.CodeInternal, "storing credential failed")
	}

	s.obs.MetricsOrNil().RecordRegistration("registered")
	s.refreshStored(r.Context())
	s.logger.Info("credential registered",
		slog.String("session", secrets.Redact(req.UserID)),
		slog.Bool("expires", cred.ExpiresAt != nil),
	)
	return c.OK(protocol.RegisterResponse{Status: "registered", ExpiresAt: cred.ExpiresAt})
}

func (s *Server) handleStatus(c *okapi.Context) error {
	r := c.Request()
	if !s.authorized(r) {
		return abort(c, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid access token")
	}
	id := r.URL.Query().Get(protocol.QueryUserID)
	if err := protocol.ValidateUserID(id); err != nil {
		return abort(c, http.StatusBadRequest, protocol.CodeFor(err), err.Error())
	}

	cred, ok, err := credstore.Exists(r.Context(), s.store, id)
	if err != nil {
		s.logger.Error("looking up credential", slog.String("error", err.Error()))
		return abort(c, http.StatusInternalServerError, protocol.CodeInternal, "credential lookup failed")
	}
	if !ok {
		return c.OK(protocol.StatusResponse{Registered: false})
	}
	return c.OK(protocol.StatusResponse{Registered: true, ExpiresAt: cred.ExpiresAt})
}

func (s *Server) handleRevoke(c *okapi.Context) error {
	r := c.Request()
	if !s.authorized(r) {
		return abort(c, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid access token")
	}
	id := r.URL.Query().Get(protocol.QueryUserID)
	if err := protocol.ValidateUserID(id); err != nil {
		return abort(c, http.StatusBadRequest, protocol.CodeFor(err), err.Error())
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		s.logger.Error("deleting credential", slog.String("error", err.Error()))
		return abort(c, http.StatusInternalServerError, protocol.CodeInternal, "revocation failed")
	}
	s.limiter.Forget(id)
	s.obs.MetricsOrNil().RecordRevocation()
	s.refreshStored(r.Context())
	s.logger.Info("credential revoked", slog.String("session", secrets.Redact(id)))
	return c.OK(protocol.RevokeResponse{Status: "revoked"})
}

// handleProxy validates the envelope, resolves the session's key and relays
// the provider's answer. Every failure before the upstream call is answered
// by the broker itself, without the upstream marker header.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	w.Header().Set(HeaderRequestID, reqID)
	metrics := s.obs.MetricsOrNil()

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, protocol.CodeUnauthorized, "missing or invalid access token")
		return
	}

	var env protocol.ForwardRequest
	if err := decodeJSON(w, r, s.config.MaxRequestSize, &env); err != nil {
		metrics.RecordForward("", observability.OutcomeRejected)
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		metrics.RecordForward(methodLabel(env.Method), observability.OutcomeRejected)
		writeError(w, http.StatusBadRequest, protocol.CodeFor(err), err.Error())
		return
	}
	method := env.Method.String()

	logger := s.logger.With(
		slog.String("request_id", reqID),
		slog.String("session", secrets.Redact(env.UserID)),
		slog.String("method", method),
		slog.String("path", pathOnly(env.Path)),
	)

	if err := s.limiter.Allow(env.UserID); err != nil {
		metrics.RecordForward(method, observability.OutcomeRateLimited)
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(le)))
		}
		writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "rate limit exceeded")
		return
	}

	cred, err := s.store.Get(r.Context(), env.UserID)
	if errors.Is(err, credstore.ErrNotFound) {
		metrics.RecordForward(method, observability.OutcomeNotRegistered)
		if s.obs.AnomalyOrNil().RecordProbe(clientAddr(r)) {
			logger.Warn("repeated forwards on unregistered sessions", slog.String("client", clientAddr(r)))
		}
		writeError(w, http.StatusUnauthorized, protocol.CodeSessionNotRegistered, "session is not registered")
		return
	}
	if err != nil {
		logger.Error("looking up credential", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "credential lookup failed")
		return
	}

	resp, err := s.forwarder.Forward(r.Context(), &env, cred.APIKey)
	switch {
	case err == nil:
	case errors.Is(err, ErrUpstreamUnreachable):
		metrics.RecordForward(method, observability.OutcomeUnreachable)
		logger.Warn("upstream unreachable", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, protocol.CodeUpstreamUnreachable, "upstream unreachable")
		return
	case errors.Is(err, ErrUpstreamTooLarge):
		metrics.RecordForward(method, observability.OutcomeTooLarge)
		logger.Warn("upstream response too large", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, protocol.CodeUpstreamTooLarge, "upstream response too large")
		return
	default:
		metrics.RecordForward(method, observability.OutcomeFailed)
		logger.Error("forwarding failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "forwarding failed")
		return
	}

	metrics.RecordForward(method, observability.OutcomeRelayed)
	logger.Info("forwarded", slog.Int("status", resp.StatusCode))
	resp.WriteTo(w)
}

// handleLiveness is the Kubernetes liveness probe.
func (s *Server) handleLiveness(c *okapi.Context) error {
	if h := s.obs.HealthOrNil(); h != nil {
		return c.OK(h.CheckHealth())
	}
	return c.OK(observability.HealthStatus{Status: observability.StatusOK})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	h := s.obs.HealthOrNil()
	if h == nil {
		if err := s.store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, observability.HealthStatus{
				Status: observability.StatusDegraded,
				Checks: map[string]observability.CheckResult{"store": {Status: observability.StatusFail, Message: err.Error()}},
			})
		}
		return c.OK(observability.HealthStatus{Status: observability.StatusOK})
	}

	status := h.CheckReady(c.Request().Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

func abort(c *okapi.Context, status int, code protocol.ErrorCode, msg string) error {
	return c.JSON(status, protocol.ErrorBody{Error: msg, Code: code})
}

func writeError(w http.ResponseWriter, status int, code protocol.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorBody{Error: msg, Code: code})
}

// decodeJSON reads one JSON object of at most limit bytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func methodLabel(m protocol.Method) string {
	if _, err := protocol.ParseMethod(string(m)); err != nil {
		return "invalid"
	}
	return string(m)
}

func retryAfterSeconds(le *ratelimit.LimitError) int {
	secs := int(le.RetryAfter.Seconds())
	if le.RetryAfter > 0 && float64(secs) < le.RetryAfter.Seconds() {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

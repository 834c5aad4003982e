package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/cloudrelay/internal/protocol"
	"github.com/jkaninda/cloudrelay/internal/session"
)

// stubBroker records every request it receives and answers from a small
// in-memory binding table.
type stubBroker struct {
	mu       sync.Mutex
	keys     map[string]string
	bodies   [][]byte
	paths    []string
	calls    atomic.Int32
	upstream func(w http.ResponseWriter, env *protocol.ForwardRequest)
}

func newStubBroker(t *testing.T) (*stubBroker, *httptest.Server) {
	t.Helper()
	sb := &stubBroker{keys: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(sb.serve))
	t.Cleanup(srv.Close)
	return sb, srv
}

func (sb *stubBroker) serve(w http.ResponseWriter, r *http.Request) {
	sb.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	sb.mu.Lock()
	sb.bodies = append(sb.bodies, body)
	sb.paths = append(sb.paths, r.URL.Path)
	sb.mu.Unlock()

	writeJSON := func(code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case protocol.PathSetAPIKey:
		var req protocol.RegisterRequest
		if err := json.Unmarshal(body, &req); err != nil || req.Validate() != nil {
			writeJSON(http.StatusBadRequest, protocol.ErrorBody{Error: "bad key", Code: protocol.CodeInvalidAPIKey})
			return
		}
		sb.mu.Lock()
		sb.keys[req.UserID] = req.APIKey
		sb.mu.Unlock()
		writeJSON(http.StatusOK, protocol.RegisterResponse{Status: "registered"})
	case protocol.PathAPIKeyStatus:
		sb.mu.Lock()
		_, ok := sb.keys[r.URL.Query().Get(protocol.QueryUserID)]
		sb.mu.Unlock()
		writeJSON(http.StatusOK, protocol.StatusResponse{Registered: ok})
	case protocol.PathAPIKey:
		sb.mu.Lock()
		delete(sb.keys, r.URL.Query().Get(protocol.QueryUserID))
		sb.mu.Unlock()
		writeJSON(http.StatusOK, protocol.RevokeResponse{Status: "revoked"})
	case protocol.PathProxy:
		var env protocol.ForwardRequest
		_ = json.Unmarshal(body, &env)
		sb.mu.Lock()
		_, ok := sb.keys[env.UserID]
		sb.mu.Unlock()
		if !ok {
			writeJSON(http.StatusUnauthorized, protocol.ErrorBody{Error: "session not registered", Code: protocol.CodeSessionNotRegistered})
			return
		}
		sb.mu.Lock()
		upstream := sb.upstream
		sb.mu.Unlock()
		if upstream != nil {
			upstream(w, &env)
			return
		}
		w.Header().Set(protocol.HeaderUpstreamStatus, "200")
		writeJSON(http.StatusOK, map[string]any{"data": []any{}})
	default:
		http.NotFound(w, r)
	}
}

func (sb *stubBroker) setUpstream(fn func(w http.ResponseWriter, env *protocol.ForwardRequest)) {
	sb.mu.Lock()
	sb.upstream = fn
	sb.mu.Unlock()
}

func (sb *stubBroker) lastBody() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.bodies) == 0 {
		return nil
	}
	return sb.bodies[len(sb.bodies)-1]
}

// countingTransport counts round trips; it fails the test if used when
// zero calls are expected.
type countingTransport struct {
	n    atomic.Int32
	next http.RoundTripper
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.n.Add(1)
	return c.next.RoundTrip(r)
}

func newTestBroker(t *testing.T, url string) (*Broker, *countingTransport) {
	t.Helper()
	ct := &countingTransport{next: http.DefaultTransport}
	b, err := NewBroker(url, WithHTTPClient(&http.Client{Transport: ct, Timeout: 5 * time.Second}))
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return b, ct
}

func TestNewBroker_URL(t *testing.T) {
	b, err := NewBroker("")
	if err != nil {
		t.Fatalf("NewBroker(\"\"): %v", err)
	}
	if b.URL() != DefaultBrokerURL {
		t.Errorf("URL = %q, want %q", b.URL(), DefaultBrokerURL)
	}
	b, _ = NewBroker("http://localhost:8080/")
	if b.URL() != "http://localhost:8080" {
		t.Errorf("trailing slash kept: %q", b.URL())
	}
	for _, bad := range []string{"ftp://x", "localhost:8080", "http://"} {
		if _, err := NewBroker(bad); err == nil {
			t.Errorf("NewBroker(%q) succeeded", bad)
		}
	}
}

func TestRegisterThenStatus(t *testing.T) {
	_, srv := newStubBroker(t)
	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()
	id := session.New()

	st, err := b.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status before register: %v", err)
	}
	if st.Registered {
		t.Fatal("registered before RegisterCredential")
	}

	if _, err := b.RegisterCredential(ctx, id, "sk_test_123"); err != nil {
		t.Fatalf("RegisterCredential: %v", err)
	}
	st, err = b.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Registered {
		t.Error("Registered = false after RegisterCredential")
	}
}

func TestRegisterCredential_Rejected(t *testing.T) {
	sb, srv := newStubBroker(t)
	b, ct := newTestBroker(t, srv.URL)

	_, err := b.RegisterCredential(context.Background(), "abc", "")
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("err = %v, want *RegistrationError", err)
	}
	if !errors.Is(err, protocol.ErrInvalidAPIKey) {
		t.Errorf("err = %v, want ErrInvalidAPIKey", err)
	}
	if ct.n.Load() != 0 || sb.calls.Load() != 0 {
		t.Error("empty key reached the network")
	}
}

func TestRegisterCredential_BrokerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(protocol.ErrorBody{Error: "malformed key", Code: protocol.CodeInvalidAPIKey})
	}))
	defer srv.Close()
	b, _ := newTestBroker(t, srv.URL)

	_, err := b.RegisterCredential(context.Background(), "abc", "sk_test_123")
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		t.Fatalf("err = %v, want *RegistrationError", err)
	}
	if regErr.StatusCode != http.StatusBadRequest || regErr.Code != protocol.CodeInvalidAPIKey {
		t.Errorf("got %d/%s", regErr.StatusCode, regErr.Code)
	}
}

func TestRegisterCredential_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	b, _ := newTestBroker(t, url)

	_, err := b.RegisterCredential(context.Background(), "abc", "sk_test_123")
	var regErr *RegistrationError
	var tErr *TransportError
	if !errors.As(err, &regErr) || !errors.As(err, &tErr) {
		t.Fatalf("err = %v, want RegistrationError wrapping TransportError", err)
	}
}

func TestForward_EndToEnd(t *testing.T) {
	sb, srv := newStubBroker(t)
	canned := `{"data":[{"identifier":"srv-1","hostname":"web"}]}`
	sb.setUpstream(func(w http.ResponseWriter, _ *protocol.ForwardRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(protocol.HeaderUpstreamStatus, "200")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, canned)
	})
	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()

	if _, err := b.RegisterCredential(ctx, "abc", "sk_test_123"); err != nil {
		t.Fatalf("RegisterCredential: %v", err)
	}
	resp, err := b.Forward(ctx, "abc", "GET", "/v2/instances", nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	want := `{"userId":"abc","path":"/v2/instances","method":"GET"}`
	if got := string(sb.lastBody()); got != want+"\n" && got != want {
		t.Errorf("broker received %s, want %s", got, want)
	}
	if string(resp.Body) != canned {
		t.Errorf("body = %s, want %s", resp.Body, canned)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestForward_Unregistered(t *testing.T) {
	sb, srv := newStubBroker(t)
	var upstreamCalled atomic.Bool
	sb.setUpstream(func(w http.ResponseWriter, _ *protocol.ForwardRequest) { upstreamCalled.Store(true) })
	b, _ := newTestBroker(t, srv.URL)

	_, err := b.Forward(context.Background(), session.New(), "GET", "/v2/instances", nil)
	if !errors.Is(err, ErrSessionNotRegistered) {
		t.Fatalf("err = %v, want ErrSessionNotRegistered", err)
	}
	var fErr *ForwardingError
	if !errors.As(err, &fErr) || fErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %#v", err)
	}
	if upstreamCalled.Load() {
		t.Error("upstream reached for unregistered session")
	}
}

func TestForward_PreflightRejects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   error
	}{
		{"patch", "PATCH", "/v2/instances", ErrInvalidMethod},
		{"lowercase", "get", "/v2/instances", ErrInvalidMethod},
		{"relative path", "GET", "instances", ErrInvalidPath},
		{"absolute url", "GET", "https://evil.example/v2", ErrInvalidPath},
		{"authority", "GET", "//evil.example/v2", ErrInvalidPath},
		{"bad escape", "GET", "/v2/%zz", ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, srv := newStubBroker(t)
			b, ct := newTestBroker(t, srv.URL)
			_, err := b.Forward(context.Background(), "abc", tt.method, tt.path, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if ct.n.Load() != 0 || sb.calls.Load() != 0 {
				t.Errorf("transport called %d times", ct.n.Load())
			}
		})
	}
}

func TestForward_UpstreamError(t *testing.T) {
	sb, srv := newStubBroker(t)
	sb.setUpstream(func(w http.ResponseWriter, _ *protocol.ForwardRequest) {
		w.Header().Set(protocol.HeaderUpstreamStatus, "404")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"instance not found"}`)
	})
	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()
	_, _ = b.RegisterCredential(ctx, "abc", "sk_test_123")

	_, err := b.Forward(ctx, "abc", "GET", "/v2/instances/missing", nil)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusNotFound || string(upErr.Body) != `{"message":"instance not found"}` {
		t.Errorf("got %d %s", upErr.StatusCode, upErr.Body)
	}
	var fErr *ForwardingError
	if errors.As(err, &fErr) {
		t.Error("upstream failure classified as broker failure")
	}
}

func TestForward_BrokerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	b, _ := newTestBroker(t, url)

	_, err := b.Forward(context.Background(), "abc", "GET", "/v2/instances", nil)
	var fErr *ForwardingError
	var tErr *TransportError
	if !errors.As(err, &fErr) || !errors.As(err, &tErr) {
		t.Fatalf("err = %v, want ForwardingError wrapping TransportError", err)
	}
}

func TestForward_ResponseTooLarge(t *testing.T) {
	sb, srv := newStubBroker(t)
	sb.setUpstream(func(w http.ResponseWriter, _ *protocol.ForwardRequest) {
		w.Header().Set(protocol.HeaderUpstreamStatus, "200")
		io.WriteString(w, `{"data":"0123456789012345678901234567890123456789"}`)
	})
	b, err := NewBroker(srv.URL, WithMaxResponseBytes(32))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := b.RegisterCredential(ctx, "abc", "sk_test_123"); err != nil {
		t.Fatalf("RegisterCredential: %v", err)
	}

	resp, err := b.Forward(ctx, "abc", "GET", "/v2/instances", nil)
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Forward = %v, %v; want *TransportError", resp, err)
	}
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("err = %v, want ErrResponseTooLarge", err)
	}

	// A body at exactly the limit is returned whole.
	sb.setUpstream(func(w http.ResponseWriter, _ *protocol.ForwardRequest) {
		w.Header().Set(protocol.HeaderUpstreamStatus, "200")
		io.WriteString(w, `{"data":"012345678901234567890"}`)
	})
	resp, err = b.Forward(ctx, "abc", "GET", "/v2/instances", nil)
	if err != nil {
		t.Fatalf("Forward at limit: %v", err)
	}
	if len(resp.Body) != 32 {
		t.Errorf("body length = %d, want 32", len(resp.Body))
	}
}

func TestStatusAndRevoke_InvalidSession(t *testing.T) {
	sb, srv := newStubBroker(t)
	b, ct := newTestBroker(t, srv.URL)
	ctx := context.Background()

	_, statusErr := b.Status(ctx, "")
	revokeErr := b.Revoke(ctx, "ab\ncd")
	for name, err := range map[string]error{"status": statusErr, "revoke": revokeErr} {
		if !errors.Is(err, protocol.ErrInvalidSession) {
			t.Errorf("%s err = %v, want ErrInvalidSession", name, err)
		}
		var fErr *ForwardingError
		if errors.As(err, &fErr) {
			t.Errorf("%s: local validation failure reported as broker failure", name)
		}
	}
	if ct.n.Load() != 0 || sb.calls.Load() != 0 {
		t.Errorf("transport called %d times", ct.n.Load())
	}
}

func TestForward_BodyPassthrough(t *testing.T) {
	sb, srv := newStubBroker(t)
	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()
	_, _ = b.RegisterCredential(ctx, "abc", "sk_test_123")

	if _, err := b.Forward(ctx, "abc", "POST", "/v2/ssh-keys", map[string]string{"title": "laptop"}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	var env protocol.ForwardRequest
	if err := json.Unmarshal(sb.lastBody(), &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if string(env.Body) != `{"title":"laptop"}` {
		t.Errorf("body = %s", env.Body)
	}
}

func TestRevoke(t *testing.T) {
	_, srv := newStubBroker(t)
	b, _ := newTestBroker(t, srv.URL)
	ctx := context.Background()
	_, _ = b.RegisterCredential(ctx, "abc", "sk_test_123")

	if err := b.Revoke(ctx, "abc"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	st, _ := b.Status(ctx, "abc")
	if st.Registered {
		t.Error("still registered after Revoke")
	}
}

func TestAccessTokenAndUserAgent(t *testing.T) {
	var gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		json.NewEncoder(w).Encode(protocol.StatusResponse{})
	}))
	defer srv.Close()

	b, _ := NewBroker(srv.URL, WithAccessToken("tok"), WithUserAgent("test-agent/1.0"))
	if _, err := b.Status(context.Background(), "abc"); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotUA != "test-agent/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

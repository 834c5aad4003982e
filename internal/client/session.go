package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/cloudrelay/internal/secrets"
	"github.com/jkaninda/cloudrelay/internal/session"
)

// DefaultCredentialRef is where the provider key is looked up when none is
// given explicitly.
const DefaultCredentialRef = "env://LETSCLOUD_API_KEY"

// DefaultAPIPrefix is prepended to every provider resource path.
const DefaultAPIPrefix = "/v2"

// Session is one registered identifier. It keeps no credential material
// after Open returns and is safe for concurrent use.
type Session struct {
	broker    *Broker
	id        session.ID
	apiPrefix string
	expiresAt *time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithAPIPrefix overrides DefaultAPIPrefix. Use "" to address the provider root.
func WithAPIPrefix(prefix string) SessionOption {
	return func(s *Session) { s.apiPrefix = strings.TrimRight(prefix, "/") }
}

// Open generates exactly one session identifier, registers apiKey for it and
// returns the bound Session.
func Open(ctx context.Context, b *Broker, apiKey string, opts ...SessionOption) (*Session, error) {
	if apiKey == "" {
		return nil, &RegistrationError{Err: ErrMissingCredential}
	}
	s := newSession(b, session.New(), opts...)
	res, err := b.RegisterCredential(ctx, s.id, apiKey)
	if err != nil {
		return nil, err
	}
	s.expiresAt = res.ExpiresAt
	return s, nil
}

// Attach returns a Session for an identifier registered earlier, possibly by
// another process. No network call is made.
func Attach(b *Broker, id session.ID, opts ...SessionOption) *Session {
	return newSession(b, id, opts...)
}

func newSession(b *Broker, id session.ID, opts ...SessionOption) *Session {
	s := &Session{broker: b, id: id, apiPrefix: DefaultAPIPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveCredential returns apiKey when non-empty, otherwise the secret
// behind ref (DefaultCredentialRef when ref is empty). A reference that does
// not resolve yields ErrMissingCredential.
func ResolveCredential(ctx context.Context, p secrets.Provider, apiKey, ref string) (string, error) {
	if apiKey != "" {
		return apiKey, nil
	}
	if ref == "" {
		ref = DefaultCredentialRef
	}
	secret, err := p.Resolve(ctx, ref)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		return "", fmt.Errorf("%w: %v", ErrMissingCredential, err)
	}
	if err != nil {
		return "", fmt.Errorf("resolving credential %s: %w", ref, err)
	}
	return secret.Value, nil
}

// ID returns the session identifier.
func (s *Session) ID() session.ID { return s.id }

// ExpiresAt returns when the broker will drop the binding, or nil.
func (s *Session) ExpiresAt() *time.Time { return s.expiresAt }

// Status reports whether the broker still holds a credential for this session.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	return s.broker.Status(ctx, s.id)
}

// Revoke asks the broker to drop this session's credential.
func (s *Session) Revoke(ctx context.Context) error {
	return s.broker.Revoke(ctx, s.id)
}

// Do forwards an arbitrary request. path is relative to the provider root,
// not to the API prefix.
func (s *Session) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	return s.broker.Forward(ctx, s.id, method, path, body)
}

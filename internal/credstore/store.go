// Package credstore holds the broker's session → provider credential
// bindings. Every implementation is keyed by session identifier and makes
// each write atomic per key: a forward racing a re-registration observes
// either the old or the new credential, never a mix of both.
package credstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live binding exists for a session.
var ErrNotFound = errors.New("credential not found")

// Credential is a stored binding. APIKey is excluded from JSON so a
// Credential can never be echoed by accident.
type Credential struct {
	UserID       string     `json:"user_id"`
	APIKey       string     `json:"-"`
	RegisteredAt time.Time  `json:"registered_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the binding is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Store is the broker's credential store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put creates or replaces the binding for userID (last write wins).
	// A zero ttl means the binding never expires.
	Put(ctx context.Context, userID, apiKey string, ttl time.Duration) (*Credential, error)

	// Get returns the live binding for userID, or ErrNotFound. Expired
	// bindings are reported as ErrNotFound.
	Get(ctx context.Context, userID string) (*Credential, error)

	// Delete removes the binding. Deleting a missing binding is not an error.
	Delete(ctx context.Context, userID string) error

	// PurgeExpired removes every expired binding and returns how many were removed.
	PurgeExpired(ctx context.Context) (int, error)

	// Len returns the number of stored bindings, expired or not.
	Len(ctx context.Context) (int, error)

	// Ping checks the backend for readiness probes.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Exists reports whether a live binding exists for userID.
func Exists(ctx context.Context, s Store, userID string) (*Credential, bool, error) {
	cred, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cred, true, nil
}

// ExpiryFor returns the expiry for a binding registered at now with ttl,
// or nil when ttl is zero.
func ExpiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

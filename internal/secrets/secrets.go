// Package secrets resolves credential references such as
// "env://LETSCLOUD_API_KEY" or "file:///run/secrets/age.key" into secret
// material. The session client resolves its provider API key through it and
// the broker resolves its sealing identity the same way; neither ever puts a
// raw credential in a config file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// It must not be serialized or logged.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Backend-specific metadata (source, variable, path).
}

// String redacts the value so a Secret can be passed to a logger by mistake
// without leaking.
func (s *Secret) String() string {
	if s == nil {
		return "<nil>"
	}
	return Redact(s.Value)
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve returns the secret for ref. Returns an error wrapping
	// ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Default returns the provider chain used by the CLI: environment first,
// then files.
func Default() Provider {
	return NewCompositeProvider(NewEnvProvider(), NewFileProvider())
}

// Scheme returns the "env" in "env://NAME", or "" when ref has no scheme.
func Scheme(ref string) string {
	i := strings.Index(ref, "://")
	if i <= 0 {
		return ""
	}
	return ref[:i]
}

// Redact masks all but the last four characters of value.
func Redact(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return strings.Repeat("*", 4) + value[len(value)-4:]
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSecretNotFound, fmt.Sprintf(format, args...))
}

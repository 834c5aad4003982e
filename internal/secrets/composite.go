package secrets

import (
	"context"
	"errors"
)

// CompositeProvider chains multiple providers and tries each in order.
// The first provider that resolves the reference wins. Errors other than
// ErrSecretNotFound stop the chain.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

func (p *CompositeProvider) Name() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	var lastErr error
	scheme := Scheme(ref)
	for _, provider := range p.providers {
		secret, err := provider.Resolve(ctx, ref)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return nil, err
		}
		// Keep the error from the provider that owns the scheme; it says why.
		if lastErr == nil || provider.Name() == scheme {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, notFound("no provider could resolve %q", ref)
}

package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider resolves credential references from environment variables.
// Reference format: "env://VARIABLE_NAME".
type EnvProvider struct{}

// NewEnvProvider creates an environment variable-based secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	const prefix = "env://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, notFound("env provider only handles env:// references, got %q", ref)
	}
	envVar := strings.TrimPrefix(ref, prefix)
	if envVar == "" {
		return nil, notFound("empty environment variable name")
	}
	value, ok := os.LookupEnv(envVar)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, notFound("environment variable %q is not set or empty", envVar)
	}
	return &Secret{
		Value:    strings.TrimSpace(value),
		Metadata: map[string]string{"source": "env", "variable": envVar},
	}, nil
}

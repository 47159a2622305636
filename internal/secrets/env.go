package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider resolves env://VARIABLE references from the process environment.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{lookup: os.LookupEnv} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	v, ok := p.lookup(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set", ErrSecretNotFound, name)
	}
	return v, nil
}

// Package secrets resolves opaque credential references (env://NAME,
// vault://path#field) held by channel accounts into secret material.
// Resolved values are handed to channel senders and are never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves references of a single scheme.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Scheme is the reference prefix handled, without "://".
	Scheme() string
	// Resolve returns the secret value for ref, the part after "scheme://".
	Resolve(ctx context.Context, ref string) (string, error)
}

// SplitRef splits "scheme://rest" into its scheme and remainder.
func SplitRef(credentialRef string) (scheme, ref string, err error) {
	scheme, ref, ok := strings.Cut(credentialRef, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: malformed credential reference", ErrSecretNotFound)
	}
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, scheme)
	}
	return scheme, ref, nil
}

// Router dispatches references to the provider registered for their scheme.
type Router struct {
	providers map[string]Provider
}

// NewRouter creates a router over the given providers. Later providers
// replace earlier ones with the same scheme.
func NewRouter(providers ...Provider) *Router {
	r := &Router{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Scheme()] = p
		}
	}
	return r
}

// Resolve resolves a full "scheme://ref" credential reference.
func (r *Router) Resolve(ctx context.Context, credentialRef string) (string, error) {
	scheme, ref, err := SplitRef(credentialRef)
	if err != nil {
		return "", err
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: no provider for scheme %q", ErrSecretNotFound, scheme)
	}
	return p.Resolve(ctx, ref)
}

// Schemes lists the registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	return out
}

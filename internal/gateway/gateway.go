// Package gateway defines the contract for host-facing entry points that
// feed the rule engine and manage its rules.
package gateway

import "context"

// Gateway is a host-facing surface (today the HTTP API).
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop shuts down gracefully within ctx's deadline.
	Stop(ctx context.Context) error
}

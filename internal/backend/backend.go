// Package backend defines the transport strategy interface each AI backend
// implements, selected per backend instead of branching at call sites.
package backend

import (
	"context"

	"github.com/audible-ai/audible/internal/domain"
)

// ProbeResult is the outcome of a successful liveness check.
type ProbeResult struct {
	LatencyMs uint64
	Version   string
}

// Transport sends queries and liveness probes to one backend. Both calls run
// under the caller's context deadline; exceeding it is a failure regardless
// of whether the underlying connection would eventually respond.
type Transport interface {
	// Identity returns the backend's immutable descriptor.
	Identity() domain.BackendIdentity

	// Probe performs a lightweight liveness check.
	Probe(ctx context.Context) (ProbeResult, error)

	// Send dispatches one query and returns the correlated response.
	Send(ctx context.Context, req *domain.QueryRequest) (*domain.QueryResponse, error)
}

// Package registry defines the agent registry boundary consumed by the dispatcher
// and provides an in-memory implementation suitable for embedding and tests.
package registry

import (
	"context"
	"errors"
	"time"

	"taskrouter/pkg/task"
)

// Health carries the registry's view of an agent's responsiveness.
type Health struct {
	Latency     time.Duration `json:"latency"`
	SuccessRate float64       `json:"success_rate"`
	LastSeen    time.Time     `json:"last_seen"`
}

// AgentMetadata describes a capability-tagged worker. Consumed read-only by
// the router; the registry owns all mutation.
type AgentMetadata struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Health       Health   `json:"health"`
	Score        float64  `json:"score"`
}

// HasCapability reports whether the agent declares the named capability.
func (a *AgentMetadata) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Connection is an opaque handle used to perform the actual remote call.
// Execute blocks until the agent produces a result or fails; the router only
// stops waiting on timeout, cancellation of ctx is best-effort.
type Connection interface {
	Execute(ctx context.Context, t *task.Task) (any, error)
}

// Registry is the external collaborator that tracks agents and their health.
type Registry interface {
	// FindAgentsByCapabilities returns agents having every listed capability,
	// sorted by the registry's own score (best first).
	FindAgentsByCapabilities(capabilities []string) []*AgentMetadata

	// GetAgentConnection returns the connection handle for an agent.
	GetAgentConnection(agentID string) (Connection, error)

	// UpdateAgentStats records the outcome of one execution on an agent.
	UpdateAgentStats(agentID string, success bool, executionTime time.Duration)
}

// ErrAgentNotFound is returned when a connection is requested for an unknown agent.
var ErrAgentNotFound = errors.New("agent not found")

package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taskrouter/pkg/logx"
)

// agentEntry pairs metadata with its connection and rolling stats.
type agentEntry struct {
	meta       AgentMetadata
	conn       Connection
	executions int64
	successes  int64
}

// InMemory is a process-local Registry. Agents are registered with a
// connection handle and scored from their observed success rate and latency.
type InMemory struct {
	agents map[string]*agentEntry
	logger *logx.Logger
	mu     sync.RWMutex
}

// NewInMemory creates an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{
		agents: make(map[string]*agentEntry),
		logger: logx.NewLogger("registry"),
	}
}

// Register adds or replaces an agent and its connection.
func (r *InMemory) Register(meta AgentMetadata, conn Connection) error {
	if meta.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if conn == nil {
		return fmt.Errorf("agent %s: connection is required", meta.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	meta.Health.LastSeen = time.Now().UTC()
	r.agents[meta.ID] = &agentEntry{meta: meta, conn: conn}
	r.logger.Info("Registered agent %s with capabilities %v", meta.ID, meta.Capabilities)
	return nil
}

// Deregister removes an agent. Unknown ids are a no-op.
func (r *InMemory) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		delete(r.agents, agentID)
		r.logger.Info("Deregistered agent %s", agentID)
	}
}

// FindAgentsByCapabilities returns agents having every listed capability,
// best score first. Returned metadata is copied so callers cannot mutate
// registry state.
func (r *InMemory) FindAgentsByCapabilities(capabilities []string) []*AgentMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*AgentMetadata, 0, len(r.agents))
	for _, entry := range r.agents {
		if hasAll(&entry.meta, capabilities) {
			meta := entry.meta
			meta.Score = entry.score()
			matches = append(matches, &meta)
		}
	}

	// Stable sort keeps registration iteration deterministic for equal scores.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	return matches
}

// GetAgentConnection returns the connection handle for an agent.
func (r *InMemory) GetAgentConnection(agentID string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.agents[agentID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return entry.conn, nil
}

// UpdateAgentStats records one execution outcome and refreshes the agent's
// rolling latency and success rate.
func (r *InMemory) UpdateAgentStats(agentID string, success bool, executionTime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.agents[agentID]
	if !exists {
		r.logger.Warn("Stats update for unknown agent %s dropped", agentID)
		return
	}

	entry.executions++
	if success {
		entry.successes++
	}

	// Exponential moving average, weight 0.3 on the newest sample.
	if entry.meta.Health.Latency == 0 {
		entry.meta.Health.Latency = executionTime
	} else {
		entry.meta.Health.Latency = time.Duration(
			0.7*float64(entry.meta.Health.Latency) + 0.3*float64(executionTime))
	}
	entry.meta.Health.SuccessRate = float64(entry.successes) / float64(entry.executions)
	entry.meta.Health.LastSeen = time.Now().UTC()
}

// AgentCount returns the number of registered agents.
func (r *InMemory) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// score favors reliable agents and penalizes slow ones. Unproven agents get
// a neutral score so new registrations are not starved.
func (e *agentEntry) score() float64 {
	if e.executions == 0 {
		return 0.5
	}
	successRate := float64(e.successes) / float64(e.executions)
	latencyPenalty := float64(e.meta.Health.Latency) / float64(10*time.Second)
	if latencyPenalty > 0.5 {
		latencyPenalty = 0.5
	}
	return successRate - latencyPenalty
}

func hasAll(meta *AgentMetadata, capabilities []string) bool {
	for _, required := range capabilities {
		if !meta.HasCapability(required) {
			return false
		}
	}
	return true
}

// Package selector implements the agent selection strategies used by the
// dispatcher. Every strategy is a pure function over an already-filtered
// candidate list: capability matching and breaker/limiter availability happen
// before selection.
package selector

import (
	"errors"
	"fmt"
	"time"

	"taskrouter/pkg/registry"
	"taskrouter/pkg/task"
)

// Strategy names an agent selection algorithm.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyBestScore       Strategy = "best-score"
	StrategyLatencyAware    Strategy = "latency-aware"
	StrategyCapabilityMatch Strategy = "capability-match"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyBestScore,
		StrategyLatencyAware, StrategyCapabilityMatch:
		return true
	default:
		return false
	}
}

// ErrNoCandidates signals an empty candidate list. The dispatcher re-queues
// the task when it sees this.
var ErrNoCandidates = errors.New("no candidate agents")

// Loads supplies the current per-agent load counters to the least-loaded
// strategy. Missing agents count as zero load.
type Loads map[string]int

// Select picks exactly one agent from candidates using the named strategy.
func Select(strategy Strategy, t *task.Task, candidates []*registry.AgentMetadata, loads Loads) (*registry.AgentMetadata, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	switch strategy {
	case StrategyRoundRobin:
		return roundRobin(candidates), nil
	case StrategyLeastLoaded:
		return leastLoaded(candidates, loads), nil
	case StrategyBestScore:
		// Candidates arrive pre-sorted by the registry's own scoring.
		return candidates[0], nil
	case StrategyLatencyAware:
		return latencyAware(candidates), nil
	case StrategyCapabilityMatch:
		return capabilityMatch(t, candidates), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

// roundRobin rotates on the current wall-clock millisecond. This is
// time-based pseudo-rotation, fair only in aggregate: two selections within
// the same millisecond pick the same agent. See DESIGN.md before replacing
// it with a stateful cursor.
func roundRobin(candidates []*registry.AgentMetadata) *registry.AgentMetadata {
	idx := int(time.Now().UnixMilli() % int64(len(candidates)))
	return candidates[idx]
}

// leastLoaded picks the agent with the minimum current load counter, first
// encountered wins on ties.
func leastLoaded(candidates []*registry.AgentMetadata, loads Loads) *registry.AgentMetadata {
	best := candidates[0]
	bestLoad := loads[best.ID]
	for _, c := range candidates[1:] {
		if loads[c.ID] < bestLoad {
			best = c
			bestLoad = loads[c.ID]
		}
	}
	return best
}

// latencyAware picks the agent with the minimum reported health latency.
func latencyAware(candidates []*registry.AgentMetadata) *registry.AgentMetadata {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Health.Latency < best.Health.Latency {
			best = c
		}
	}
	return best
}

// capabilityMatch maximizes matchRatio + bonus, where matchRatio is the
// fraction of required capabilities the agent covers and bonus rewards extra
// capabilities beyond the required set (0.1 each, capped at 0.5). First
// encountered wins on ties.
func capabilityMatch(t *task.Task, candidates []*registry.AgentMetadata) *registry.AgentMetadata {
	best := candidates[0]
	bestScore := MatchScore(t, best)
	for _, c := range candidates[1:] {
		if score := MatchScore(t, c); score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// MatchScore computes the capability-match score of one agent for a task.
// Exported for observability and tests; strictly increases when an agent
// gains a previously missing required capability.
func MatchScore(t *task.Task, agent *registry.AgentMetadata) float64 {
	if len(t.RequiredCapabilities) == 0 {
		return 0
	}

	matched := 0
	for _, required := range t.RequiredCapabilities {
		if agent.HasCapability(required) {
			matched++
		}
	}
	matchRatio := float64(matched) / float64(len(t.RequiredCapabilities))

	extra := len(agent.Capabilities) - matched
	if extra < 0 {
		extra = 0
	}
	bonus := 0.1 * float64(extra)
	if bonus > 0.5 {
		bonus = 0.5
	}

	return matchRatio + bonus
}

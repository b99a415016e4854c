// Package breaker provides per-agent circuit breaking for the task router.
// Repeated failures open an agent's breaker, removing it from candidate
// selection until a cool-down elapses.
package breaker

import (
	"sync"
	"time"

	"taskrouter/pkg/logx"
)

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Consecutive failures before opening
	ResetTimeout     time.Duration `json:"reset_timeout" yaml:"reset_timeout"`         // Cool-down before the next probe is allowed
}

// DefaultConfig provides reasonable defaults for breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
}

// state is the per-agent failure counter. isOpen can only clear after the
// reset window elapses, evaluated lazily on the next availability check.
type state struct {
	failures    int
	lastFailure time.Time
	isOpen      bool
}

// Status is a read-only snapshot of one agent's breaker.
type Status struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	IsOpen      bool      `json:"is_open"`
}

// Registry tracks one breaker per agent id, created lazily on first record.
type Registry struct {
	states map[string]*state
	config Config
	logger *logx.Logger
	mu     sync.Mutex

	// Notification hooks, invoked outside selection hot paths but while the
	// registry lock is held; keep them fast and non-blocking.
	onOpen  func(agentID string)
	onReset func(agentID string)
}

// NewRegistry creates a breaker registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig.ResetTimeout
	}
	return &Registry{
		states: make(map[string]*state),
		config: cfg,
		logger: logx.NewLogger("circuit-breaker"),
	}
}

// OnOpen registers a hook fired when an agent's breaker opens.
func (r *Registry) OnOpen(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = fn
}

// OnReset registers a hook fired when an agent's breaker resets to closed.
func (r *Registry) OnReset(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReset = fn
}

// Record records the outcome of one execution against an agent. A success
// resets the failure counter; a failure increments it and opens the breaker
// the instant the threshold is reached. An open breaker stays open here: a
// success from an execution already in flight when the breaker opened must
// not bypass the cool-down, so only IsAgentAvailable clears isOpen.
func (r *Registry) Record(agentID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateFor(agentID)

	if success {
		st.failures = 0
		return
	}

	st.failures++
	st.lastFailure = time.Now()

	if !st.isOpen && st.failures >= r.config.FailureThreshold {
		st.isOpen = true
		r.logger.Warn("Breaker opened for agent %s after %d consecutive failures", agentID, st.failures)
		if r.onOpen != nil {
			r.onOpen(agentID)
		}
	}
}

// IsAgentAvailable reports whether the agent may receive work. An open
// breaker whose reset window has elapsed resets here (failures = 0, closed)
// and the agent becomes eligible again; the very next call is the probe whose
// outcome decides whether the breaker stays closed.
func (r *Registry) IsAgentAvailable(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.states[agentID]
	if !exists || !st.isOpen {
		return true
	}

	if time.Since(st.lastFailure) >= r.config.ResetTimeout {
		st.isOpen = false
		st.failures = 0
		r.logger.Info("Breaker for agent %s reset after cool-down, allowing probe", agentID)
		if r.onReset != nil {
			r.onReset(agentID)
		}
		return true
	}

	return false
}

// GetStatus returns a snapshot of one agent's breaker state. Agents with no
// recorded outcomes report a closed breaker with zero failures.
func (r *Registry) GetStatus(agentID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.states[agentID]
	if !exists {
		return Status{}
	}
	return Status{Failures: st.failures, LastFailure: st.lastFailure, IsOpen: st.isOpen}
}

// Snapshot returns breaker status for every tracked agent.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Status, len(r.states))
	for id, st := range r.states {
		out[id] = Status{Failures: st.failures, LastFailure: st.lastFailure, IsOpen: st.isOpen}
	}
	return out
}

// Reset manually closes an agent's breaker and clears its counter.
func (r *Registry) Reset(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, exists := r.states[agentID]; exists {
		st.isOpen = false
		st.failures = 0
	}
}

func (r *Registry) stateFor(agentID string) *state {
	st, exists := r.states[agentID]
	if !exists {
		st = &state{}
		r.states[agentID] = st
	}
	return st
}

// Package ratelimit provides per-agent fixed-window admission control for the
// task router. Windows expire lazily: every check recomputes validity from the
// stored reset timestamp, no background timers.
package ratelimit

import (
	"sync"
	"time"
)

// Config defines fixed-window limits applied to each agent.
type Config struct {
	MaxRequestsPerWindow int           `json:"max_requests_per_window" yaml:"max_requests_per_window"`
	Window               time.Duration `json:"window" yaml:"window"`
}

// DefaultConfig allows 10 dispatches per agent per second.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRequestsPerWindow: 10,
	Window:               time.Second,
}

// window is the per-agent counter for the current fixed window. Once the
// reset time passes the state is replaced wholesale rather than decremented;
// this permits up to 2x the nominal rate at window boundaries, which is the
// documented behavior of fixed-window limiting.
type window struct {
	requests  int
	resetTime time.Time
}

// Status is a read-only snapshot of one agent's current window.
type Status struct {
	Requests  int       `json:"requests"`
	ResetTime time.Time `json:"reset_time"`
}

// Registry tracks one window per agent id, created lazily.
type Registry struct {
	windows map[string]*window
	config  Config
	mu      sync.Mutex
}

// NewRegistry creates a rate limiter registry with the given configuration.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxRequestsPerWindow <= 0 {
		cfg.MaxRequestsPerWindow = DefaultConfig.MaxRequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	return &Registry{
		windows: make(map[string]*window),
		config:  cfg,
	}
}

// Available reports whether the agent has quota left in the current window
// without consuming any. Used when filtering dispatch candidates.
func (r *Registry) Available(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.currentWindow(agentID)
	return w.requests < r.config.MaxRequestsPerWindow
}

// Reserve consumes one unit of the agent's quota. Returns false without
// consuming anything when the window is exhausted.
func (r *Registry) Reserve(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.currentWindow(agentID)
	if w.requests >= r.config.MaxRequestsPerWindow {
		return false
	}
	w.requests++
	return true
}

// GetStatus returns a snapshot of one agent's current window. Expired
// windows report as fresh.
func (r *Registry) GetStatus(agentID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.currentWindow(agentID)
	return Status{Requests: w.requests, ResetTime: w.resetTime}
}

// Snapshot returns window status for every tracked agent.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make(map[string]Status, len(r.windows))
	for id, w := range r.windows {
		if now.After(w.resetTime) || now.Equal(w.resetTime) {
			continue // expired window, nothing consumed
		}
		out[id] = Status{Requests: w.requests, ResetTime: w.resetTime}
	}
	return out
}

// currentWindow returns the live window for an agent, replacing any expired
// state with a fresh window. Caller holds the lock.
func (r *Registry) currentWindow(agentID string) *window {
	now := time.Now()
	w, exists := r.windows[agentID]
	if !exists || now.After(w.resetTime) || now.Equal(w.resetTime) {
		w = &window{resetTime: now.Add(r.config.Window)}
		r.windows[agentID] = w
	}
	return w
}

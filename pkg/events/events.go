// Package events delivers router lifecycle notifications to subscribers over
// buffered channels.
package events

import (
	"sync"

	"taskrouter/pkg/logx"
	"taskrouter/pkg/task"
)

// Event names emitted by the dispatcher. Names are part of the public
// contract; callers and tests match on them.
const (
	TaskSubmitted        = "task.submitted"
	TaskStarted          = "task.started"
	TaskCompleted        = "task.completed"
	TaskFailed           = "task.failed"
	CircuitBreakerOpened = "circuit-breaker.opened"
	CircuitBreakerReset  = "circuit-breaker.reset"
)

// Event is one notification. Fields are populated per event name:
// Task for task.* events, AgentID for task.started and circuit-breaker.*,
// Result for task.completed, Err for task.failed.
type Event struct {
	Name    string
	Task    *task.Task
	AgentID string
	Result  *task.Result
	Err     error
}

// Emitter fans events out to all subscribers. Delivery is non-blocking: a
// subscriber that stops draining its channel loses events rather than
// stalling the dispatch loop.
type Emitter struct {
	subscribers []chan Event
	logger      *logx.Logger
	mu          sync.RWMutex
	closed      bool
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{
		logger: logx.NewLogger("events"),
	}
}

// Subscribe returns a channel receiving every subsequent event. The buffer
// absorbs bursts; size it for the expected task volume.
func (e *Emitter) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, buffer)
	if e.closed {
		close(ch)
		return ch
	}
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Emit delivers the event to every subscriber without blocking.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("Subscriber channel full, dropping event %s", ev.Name)
		}
	}
}

// Close closes all subscriber channels. Emit becomes a no-op afterwards.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
}

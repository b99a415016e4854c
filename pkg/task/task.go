// Package task defines the work items routed by the dispatcher and their terminal results.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the pending queue. Critical drains first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank maps priorities to their dispatch order (lower dispatches first).
var rank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the dispatch order of the priority (0 = critical).
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	if r, ok := rank[p]; ok {
		return r
	}
	return len(rank)
}

// Valid reports whether p is one of the four defined priority levels.
func (p Priority) Valid() bool {
	_, ok := rank[p]
	return ok
}

// Validation errors returned by Task.Validate.
var (
	ErrMissingID           = errors.New("task id is required")
	ErrMissingType         = errors.New("task type is required")
	ErrMissingCapabilities = errors.New("task requires at least one capability")
	ErrInvalidPriority     = errors.New("task priority is invalid")
)

// Task is an immutable work request. It is never mutated after submission;
// the dispatcher tracks all transient state (queue position, in-flight agent)
// separately, keyed by ID.
type Task struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             Priority       `json:"priority"`
	Payload              map[string]any `json:"payload,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// New creates a task with a generated ID and medium priority defaults.
func New(taskType string, capabilities []string) *Task {
	return &Task{
		ID:                   uuid.New().String(),
		Type:                 taskType,
		RequiredCapabilities: capabilities,
		Priority:             PriorityMedium,
		CreatedAt:            time.Now().UTC(),
	}
}

// Validate checks the invariants required for submission. A task failing
// validation never enters the pending queue.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task is nil")
	}
	if t.ID == "" {
		return ErrMissingID
	}
	if t.Type == "" {
		return ErrMissingType
	}
	if len(t.RequiredCapabilities) == 0 {
		return ErrMissingCapabilities
	}
	for _, capability := range t.RequiredCapabilities {
		if capability == "" {
			return fmt.Errorf("%w: empty capability name", ErrMissingCapabilities)
		}
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, t.Priority)
	}
	return nil
}

// ResultMetadata carries timing and retry bookkeeping for a completed task.
// RetryCount is always zero today: the router does not retry failed
// executions automatically, callers resubmit explicitly.
type ResultMetadata struct {
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	RetryCount int       `json:"retry_count"`
}

// Result is the terminal record for a task. Exactly one Result is produced
// per accepted task, whether the execution succeeded, errored, or timed out.
type Result struct {
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	Success       bool           `json:"success"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Metadata      ResultMetadata `json:"metadata"`
}

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrouter/pkg/task"
)

func item(id string, p task.Priority) *queueItem {
	return &queueItem{task: &task.Task{
		ID:                   id,
		Type:                 "test",
		RequiredCapabilities: []string{"x"},
		Priority:             p,
	}}
}

func popOrder(q *priorityQueue) []string {
	var order []string
	for {
		it := q.pop()
		if it == nil {
			return order
		}
		order = append(order, it.task.ID)
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newPriorityQueue()
	q.pushBack(item("low", task.PriorityLow))
	q.pushBack(item("crit-1", task.PriorityCritical))
	q.pushBack(item("med", task.PriorityMedium))
	q.pushBack(item("high", task.PriorityHigh))
	q.pushBack(item("crit-2", task.PriorityCritical))

	require.Equal(t, 5, q.len())
	assert.Equal(t, []string{"crit-1", "crit-2", "high", "med", "low"}, popOrder(q))
	assert.Zero(t, q.len())
}

func TestQueueFIFOWithinBand(t *testing.T) {
	q := newPriorityQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.pushBack(item(id, task.PriorityMedium))
	}
	assert.Equal(t, []string{"a", "b", "c"}, popOrder(q))
}

func TestQueuePushFront(t *testing.T) {
	q := newPriorityQueue()
	q.pushBack(item("a", task.PriorityMedium))
	q.pushBack(item("b", task.PriorityMedium))

	head := q.pop()
	require.Equal(t, "a", head.task.ID)
	q.pushFront(head)

	// Re-queued head keeps its position, and higher priorities still win.
	q.pushBack(item("urgent", task.PriorityCritical))
	assert.Equal(t, []string{"urgent", "a", "b"}, popOrder(q))
}

func TestQueueRemove(t *testing.T) {
	q := newPriorityQueue()
	q.pushBack(item("a", task.PriorityMedium))
	q.pushBack(item("b", task.PriorityMedium))

	assert.True(t, q.remove("a"))
	assert.False(t, q.remove("a"))
	assert.Equal(t, []string{"b"}, popOrder(q))
}

func TestQueuePopEmpty(t *testing.T) {
	q := newPriorityQueue()
	assert.Nil(t, q.pop())
}

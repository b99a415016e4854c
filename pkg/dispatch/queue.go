package dispatch

import (
	"taskrouter/pkg/selector"
	"taskrouter/pkg/task"
)

// queueItem pairs a pending task with its per-submission strategy override.
// An empty strategy means the dispatcher default applies.
type queueItem struct {
	task     *task.Task
	strategy selector.Strategy
}

// priorityQueue holds pending tasks in one FIFO band per priority level.
// Higher-priority bands always drain first; within a band insertion order is
// preserved. Not safe for concurrent use, callers hold the dispatcher lock.
type priorityQueue struct {
	bands [][]*queueItem
}

func newPriorityQueue() *priorityQueue {
	// One band per priority level plus a trailing band for unknown priorities
	// (Rank returns len(levels) for those).
	return &priorityQueue{
		bands: make([][]*queueItem, task.PriorityLow.Rank()+2),
	}
}

// pushBack appends the item to the tail of its priority band.
func (q *priorityQueue) pushBack(item *queueItem) {
	r := item.task.Priority.Rank()
	q.bands[r] = append(q.bands[r], item)
}

// pushFront re-queues the item at the head of its priority band, preserving
// its position relative to later arrivals of the same priority.
func (q *priorityQueue) pushFront(item *queueItem) {
	r := item.task.Priority.Rank()
	q.bands[r] = append([]*queueItem{item}, q.bands[r]...)
}

// pop removes and returns the head of the highest non-empty band, or nil.
func (q *priorityQueue) pop() *queueItem {
	for r, band := range q.bands {
		if len(band) == 0 {
			continue
		}
		item := band[0]
		q.bands[r] = band[1:]
		return item
	}
	return nil
}

// remove deletes the queued task with the given id, returning whether it was
// present. Used when a caller cancels a task that has not started.
func (q *priorityQueue) remove(taskID string) bool {
	for r, band := range q.bands {
		for i, item := range band {
			if item.task.ID == taskID {
				q.bands[r] = append(band[:i], band[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *priorityQueue) len() int {
	total := 0
	for _, band := range q.bands {
		total += len(band)
	}
	return total
}

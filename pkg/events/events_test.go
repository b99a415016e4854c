package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrouter/pkg/task"
)

func TestFanOut(t *testing.T) {
	e := NewEmitter()
	a := e.Subscribe(4)
	b := e.Subscribe(4)

	tk := task.New("analysis", []string{"python"})
	e.Emit(Event{Name: TaskSubmitted, Task: tk})

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, TaskSubmitted, ev.Name)
		assert.Equal(t, tk.ID, ev.Task.ID)
	}
}

func TestEmitDoesNotBlockOnFullSubscriber(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe(1)

	e.Emit(Event{Name: TaskSubmitted})
	e.Emit(Event{Name: TaskStarted}) // dropped, buffer full

	ev := <-ch
	assert.Equal(t, TaskSubmitted, ev.Name)
	select {
	case ev = <-ch:
		t.Fatalf("unexpected buffered event %s", ev.Name)
	default:
	}
}

func TestCloseUnblocksSubscribers(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe(1)
	e.Close()

	_, open := <-ch
	assert.False(t, open)

	// Emit and repeat Close after close are no-ops.
	e.Emit(Event{Name: TaskFailed, Err: errors.New("late")})
	e.Close()

	late := e.Subscribe(1)
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
}

func TestEventPayloadFields(t *testing.T) {
	e := NewEmitter()
	ch := e.Subscribe(2)

	res := &task.Result{TaskID: "t-1", AgentID: "a-1", Success: true}
	e.Emit(Event{Name: TaskCompleted, Result: res})
	e.Emit(Event{Name: CircuitBreakerOpened, AgentID: "a-1"})

	ev := <-ch
	require.Equal(t, TaskCompleted, ev.Name)
	assert.Equal(t, "t-1", ev.Result.TaskID)

	ev = <-ch
	assert.Equal(t, CircuitBreakerOpened, ev.Name)
	assert.Equal(t, "a-1", ev.AgentID)
}

package dispatch

import (
	"context"
	"fmt"
	"time"

	"taskrouter/pkg/events"
	"taskrouter/pkg/task"
)

// execOutcome carries the raw result of one connection call.
type execOutcome struct {
	output any
	err    error
}

// supervise runs a single (task, agent) execution: it races the connection
// call against the task timeout, then records the outcome into the agent
// registry and the breaker registry and emits exactly one terminal result.
// The load counter decrement and in-flight cleanup happen in a deferred
// path so they hold on every exit, success, failure, or timeout.
func (d *Dispatcher) supervise(t *task.Task, agentID string) {
	defer d.wg.Done()

	start := time.Now()

	defer func() {
		d.mu.Lock()
		delete(d.inFlight, t.ID)
		delete(d.pending, t.ID)
		d.loads[agentID]--
		if d.loads[agentID] <= 0 {
			delete(d.loads, agentID)
		}
		d.mu.Unlock()
		d.updateGauges()
	}()

	output, execErr := d.execute(t, agentID)
	end := time.Now()
	success := execErr == nil

	d.registry.UpdateAgentStats(agentID, success, end.Sub(start))
	d.breakers.Record(agentID, success)

	res := &task.Result{
		TaskID:        t.ID,
		AgentID:       agentID,
		Success:       success,
		Output:        output,
		ExecutionTime: end.Sub(start),
		Metadata: task.ResultMetadata{
			StartTime:  start,
			EndTime:    end,
			RetryCount: 0, // execution failures are not retried, callers resubmit
		},
	}
	if execErr != nil {
		res.Error = execErr.Error()
		d.logger.Warn("Task %s failed on agent %s after %s: %v", t.ID, agentID, res.ExecutionTime, execErr)
	} else {
		d.logger.Info("Task %s completed on agent %s in %s", t.ID, agentID, res.ExecutionTime)
	}

	if d.recorder != nil {
		d.recorder.ObserveCompleted(agentID, success, res.ExecutionTime)
	}
	for _, sink := range d.sinks {
		if err := sink.SaveResult(res); err != nil {
			d.logger.Error("Result sink failed for task %s: %v", t.ID, err)
		}
	}

	d.emitter.Emit(events.Event{Name: events.TaskCompleted, Task: t, AgentID: agentID, Result: res})
}

// execute obtains the agent connection and races the call against the task
// timeout. The timeout stops waiting; it does not stop the agent working
// beyond the cancellation offered through the context.
func (d *Dispatcher) execute(t *task.Task, agentID string) (any, error) {
	conn, err := d.registry.GetAgentConnection(agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for agent %s: %w", agentID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.TaskTimeout)
	defer cancel()

	outcomeCh := make(chan execOutcome, 1)
	go func() {
		output, execErr := conn.Execute(ctx, t)
		outcomeCh <- execOutcome{output: output, err: execErr}
	}()

	select {
	case o := <-outcomeCh:
		if o.err != nil {
			return nil, fmt.Errorf("execution failed on agent %s: %w", agentID, o.err)
		}
		return o.output, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: agent %s exceeded %s", ErrExecutionTimeout, agentID, d.config.TaskTimeout)
	}
}

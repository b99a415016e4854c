// Package dispatch contains the task routing core: a priority queue of
// pending tasks, a timer-driven dispatch loop that matches tasks against
// capability-tagged agents, and the supervision of each execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskrouter/pkg/breaker"
	"taskrouter/pkg/config"
	"taskrouter/pkg/events"
	"taskrouter/pkg/logx"
	"taskrouter/pkg/metrics"
	"taskrouter/pkg/ratelimit"
	"taskrouter/pkg/registry"
	"taskrouter/pkg/selector"
	"taskrouter/pkg/task"
)

// Dispatcher errors. Validation failures surface the pkg/task sentinel
// errors directly.
var (
	ErrAlreadyRunning   = errors.New("dispatcher is already running")
	ErrDuplicateTask    = errors.New("task already pending")
	ErrNoCapableAgent   = errors.New("no agent has the required capabilities")
	ErrExecutionTimeout = errors.New("task execution timed out")
	ErrTaskNotPending   = errors.New("task is not pending")
)

// ResultSink receives every terminal result. The history store satisfies
// this; sinks must not block the completion path for long.
type ResultSink interface {
	SaveResult(res *task.Result) error
}

// Dispatcher routes submitted tasks to capability-matching agents, isolating
// failing agents through the breaker registry and shedding load through the
// rate limiter. One dispatch loop goroutine owns the queue; executions run in
// their own goroutines bounded by MaxConcurrentTasks.
type Dispatcher struct {
	registry registry.Registry
	breakers *breaker.Registry
	limiter  *ratelimit.Registry
	emitter  *events.Emitter
	recorder *metrics.Recorder
	sinks    []ResultSink
	logger   *logx.Logger
	config   config.Config

	mu       sync.Mutex
	queue    *priorityQueue
	pending  map[string]*task.Task // queued or in flight, keyed by task id
	inFlight map[string]string     // task id -> agent id
	loads    map[string]int        // agent id -> executions in flight
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given agent registry. The
// config is validated; zero values take defaults.
func NewDispatcher(cfg config.Config, reg registry.Registry) (*Dispatcher, error) {
	if reg == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Dispatcher{
		registry: reg,
		breakers: breaker.NewRegistry(cfg.CircuitBreaker),
		limiter:  ratelimit.NewRegistry(cfg.RateLimit),
		emitter:  events.NewEmitter(),
		logger:   logx.NewLogger("dispatcher"),
		config:   cfg,
		queue:    newPriorityQueue(),
		pending:  make(map[string]*task.Task),
		inFlight: make(map[string]string),
		loads:    make(map[string]int),
		shutdown: make(chan struct{}),
	}

	d.breakers.OnOpen(func(agentID string) {
		d.emitter.Emit(events.Event{Name: events.CircuitBreakerOpened, AgentID: agentID})
		if d.recorder != nil {
			d.recorder.IncBreakerOpen(agentID)
		}
	})
	d.breakers.OnReset(func(agentID string) {
		d.emitter.Emit(events.Event{Name: events.CircuitBreakerReset, AgentID: agentID})
	})

	return d, nil
}

// SetRecorder attaches a metrics recorder. Call before Start.
func (d *Dispatcher) SetRecorder(r *metrics.Recorder) {
	d.recorder = r
}

// AddResultSink attaches a sink receiving every terminal result. Call before
// Start.
func (d *Dispatcher) AddResultSink(s ResultSink) {
	d.sinks = append(d.sinks, s)
}

// Subscribe returns a channel of router events. See pkg/events for names and
// payload shapes.
func (d *Dispatcher) Subscribe(buffer int) <-chan events.Event {
	return d.emitter.Subscribe(buffer)
}

// Submit validates and enqueues a task under the default strategy. It
// returns the task id on acceptance; completion is observed through events.
// Tasks may be submitted before Start, they dispatch once the loop runs.
func (d *Dispatcher) Submit(t *task.Task) (string, error) {
	return d.SubmitWithStrategy(t, "")
}

// SubmitWithStrategy enqueues a task with a per-submission strategy override.
func (d *Dispatcher) SubmitWithStrategy(t *task.Task, strategy selector.Strategy) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if strategy != "" && !strategy.Valid() {
		return "", fmt.Errorf("unknown strategy %q", strategy)
	}

	d.mu.Lock()
	if _, exists := d.pending[t.ID]; exists {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	d.pending[t.ID] = t
	d.queue.pushBack(&queueItem{task: t, strategy: strategy})
	d.mu.Unlock()

	d.logger.Debug("Queued task %s (%s, priority %s)", t.ID, t.Type, t.Priority)
	if d.recorder != nil {
		d.recorder.ObserveSubmitted(t.Type, string(t.Priority))
	}
	d.emitter.Emit(events.Event{Name: events.TaskSubmitted, Task: t})
	d.updateGauges()

	return t.ID, nil
}

// Cancel removes a task that is still waiting in the pending queue. Tasks
// already in flight cannot be cancelled; the timeout bounds how long the
// router waits for them.
func (d *Dispatcher) Cancel(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, inFlight := d.inFlight[taskID]; inFlight {
		return fmt.Errorf("%w: %s is in flight", ErrTaskNotPending, taskID)
	}
	if !d.queue.remove(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskNotPending, taskID)
	}
	delete(d.pending, taskID)
	d.logger.Info("Cancelled pending task %s", taskID)
	return nil
}

// Start launches the dispatch loop. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("Starting dispatcher (poll %s, max concurrent %d, strategy %s)",
		d.config.PollInterval, d.config.MaxConcurrentTasks, d.config.DefaultStrategy)

	d.wg.Add(1)
	go d.pollLoop(ctx)
	return nil
}

// Stop shuts the dispatch loop down and waits for in-flight executions,
// bounded by ctx. Subscriber channels close once everything has drained.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.emitter.Close()
		d.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher stop timed out with executions still in flight")
		return ctx.Err()
	}
}

// pollLoop ticks at the poll interval and dispatches as much pending work as
// the admission gate allows. Interval polling bounds worst-case dispatch
// latency to one interval and keeps the scheduler starvation-free under
// bursty submission.
func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatch loop stopped by context")
			return
		case <-d.shutdown:
			d.logger.Info("Dispatch loop stopped by shutdown signal")
			return
		case <-ticker.C:
			d.dispatchTick()
		}
	}
}

// dispatchTick pops tasks while concurrency allows. A transient re-queue
// ends the tick: the same head would only spin until an agent frees up.
func (d *Dispatcher) dispatchTick() {
	for {
		d.mu.Lock()
		if len(d.inFlight) >= d.config.MaxConcurrentTasks {
			d.mu.Unlock()
			return
		}
		item := d.queue.pop()
		d.mu.Unlock()

		if item == nil {
			return
		}
		if !d.dispatchOne(item) {
			return
		}
	}
}

// dispatchOne routes a single task. It returns false when the task was
// re-queued for a later tick, true when the tick may continue with the next
// task (dispatched or failed permanently).
func (d *Dispatcher) dispatchOne(item *queueItem) bool {
	t := item.task

	agents := d.registry.FindAgentsByCapabilities(t.RequiredCapabilities)
	if len(agents) == 0 {
		// Capabilities are static for this attempt; retrying cannot help.
		d.failTask(t, fmt.Errorf("%w: %v", ErrNoCapableAgent, t.RequiredCapabilities))
		return true
	}

	candidates := make([]*registry.AgentMetadata, 0, len(agents))
	for _, a := range agents {
		if d.breakers.IsAgentAvailable(a.ID) && d.limiter.Available(a.ID) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		// Capable agents exist but all are breaker-open or rate-limited:
		// transient backpressure, not a failure.
		d.requeue(item)
		return false
	}

	strategy := item.strategy
	if strategy == "" {
		strategy = d.config.DefaultStrategy
	}

	chosen, err := selector.Select(strategy, t, candidates, d.loadSnapshot())
	if err != nil {
		d.requeue(item)
		return false
	}

	if !d.limiter.Reserve(chosen.ID) {
		// Lost the window to a concurrent completion path; try again later.
		d.requeue(item)
		return false
	}

	d.mu.Lock()
	d.inFlight[t.ID] = chosen.ID
	d.loads[chosen.ID]++
	d.mu.Unlock()

	d.logger.Info("Dispatching task %s to agent %s (strategy %s)", t.ID, chosen.ID, strategy)
	d.emitter.Emit(events.Event{Name: events.TaskStarted, Task: t, AgentID: chosen.ID})
	d.updateGauges()

	d.wg.Add(1)
	go d.supervise(t, chosen.ID)
	return true
}

// requeue puts the task back at the front of its priority band.
func (d *Dispatcher) requeue(item *queueItem) {
	d.mu.Lock()
	d.queue.pushFront(item)
	d.mu.Unlock()

	d.logger.Debug("Re-queued task %s, all capable agents unavailable", item.task.ID)
	if d.recorder != nil {
		d.recorder.IncRequeued()
	}
}

// failTask surfaces a permanent pre-execution failure via task.failed.
func (d *Dispatcher) failTask(t *task.Task, err error) {
	d.mu.Lock()
	delete(d.pending, t.ID)
	d.mu.Unlock()

	d.logger.Warn("Task %s failed permanently: %v", t.ID, err)
	d.emitter.Emit(events.Event{Name: events.TaskFailed, Task: t, Err: err})
	d.updateGauges()
}

// loadSnapshot copies the per-agent load counters for the selector.
func (d *Dispatcher) loadSnapshot() selector.Loads {
	d.mu.Lock()
	defer d.mu.Unlock()

	loads := make(selector.Loads, len(d.loads))
	for id, n := range d.loads {
		loads[id] = n
	}
	return loads
}

// AgentLoad returns the number of executions currently in flight on an agent.
func (d *Dispatcher) AgentLoad(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads[agentID]
}

// GetStats returns an observability snapshot of the routing core.
func (d *Dispatcher) GetStats() map[string]any {
	d.mu.Lock()
	running := d.running
	pending := d.queue.len()
	executing := len(d.inFlight)
	loads := make(map[string]int, len(d.loads))
	for id, n := range d.loads {
		loads[id] = n
	}
	d.mu.Unlock()

	return map[string]any{
		"running":          running,
		"pending_tasks":    pending,
		"executing_tasks":  executing,
		"agent_loads":      loads,
		"circuit_breakers": d.breakers.Snapshot(),
		"rate_limits":      d.limiter.Snapshot(),
	}
}

// Breakers exposes the breaker registry for availability queries.
func (d *Dispatcher) Breakers() *breaker.Registry {
	return d.breakers
}

func (d *Dispatcher) updateGauges() {
	if d.recorder == nil {
		return
	}
	d.mu.Lock()
	pending := d.queue.len()
	executing := len(d.inFlight)
	d.mu.Unlock()
	d.recorder.SetQueueDepth(pending, executing)
}

package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrouter/pkg/config"
	"taskrouter/pkg/events"
	"taskrouter/pkg/registry"
	"taskrouter/pkg/selector"
	"taskrouter/pkg/task"
)

// stubConn is a scriptable agent connection.
type stubConn struct {
	delay   time.Duration
	failing atomic.Bool
	calls   atomic.Int64
}

func (c *stubConn) Execute(_ context.Context, t *task.Task) (any, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failing.Load() {
		return nil, errors.New("agent exploded")
	}
	return "ok:" + t.ID, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.TaskTimeout = time.Second
	return cfg
}

func newTestDispatcher(t *testing.T, cfg config.Config, reg registry.Registry) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func pythonTask(id string, p task.Priority) *task.Task {
	return &task.Task{
		ID:                   id,
		Type:                 "analysis",
		RequiredCapabilities: []string{"python"},
		Priority:             p,
	}
}

// collect drains events with the given name until n are seen or the timeout hits.
func collect(t *testing.T, ch <-chan events.Event, name string, n int, timeout time.Duration) []events.Event {
	t.Helper()
	var got []events.Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, open := <-ch:
			if !open {
				t.Fatalf("event channel closed after %d/%d %s events", len(got), n, name)
			}
			if ev.Name == name {
				got = append(got, ev)
			}
		case <-deadline:
			t.Fatalf("timed out after %d/%d %s events", len(got), n, name)
		}
	}
	return got
}

func TestSubmitValidation(t *testing.T) {
	reg := registry.NewInMemory()
	d := newTestDispatcher(t, testConfig(), reg)

	_, err := d.Submit(&task.Task{Type: "analysis", RequiredCapabilities: []string{"python"}, Priority: task.PriorityLow})
	assert.ErrorIs(t, err, task.ErrMissingID)

	_, err = d.Submit(&task.Task{ID: "t", Priority: task.PriorityLow})
	assert.ErrorIs(t, err, task.ErrMissingType)

	_, err = d.Submit(&task.Task{ID: "t", Type: "analysis", Priority: task.PriorityLow})
	assert.ErrorIs(t, err, task.ErrMissingCapabilities)

	_, err = d.SubmitWithStrategy(pythonTask("t", task.PriorityLow), "coin-flip")
	assert.ErrorContains(t, err, "coin-flip")

	id, err := d.Submit(pythonTask("t", task.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, "t", id)

	_, err = d.Submit(pythonTask("t", task.PriorityLow))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestStartStop(t *testing.T) {
	d := newTestDispatcher(t, testConfig(), registry.NewInMemory())

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.NoError(t, d.Stop(ctx), "stop is idempotent")
}

// Scenario: one task requiring python, two agents, only one has python.
// Every strategy must pick the capable agent.
func TestCapabilityFilteringBeatsStrategy(t *testing.T) {
	strategies := []selector.Strategy{
		selector.StrategyRoundRobin,
		selector.StrategyLeastLoaded,
		selector.StrategyBestScore,
		selector.StrategyLatencyAware,
		selector.StrategyCapabilityMatch,
	}

	for _, strat := range strategies {
		t.Run(string(strat), func(t *testing.T) {
			reg := registry.NewInMemory()
			require.NoError(t, reg.Register(registry.AgentMetadata{
				ID: "pythonista", Capabilities: []string{"python"},
			}, &stubConn{}))
			require.NoError(t, reg.Register(registry.AgentMetadata{
				ID: "golanger", Capabilities: []string{"golang"},
			}, &stubConn{}))

			d := newTestDispatcher(t, testConfig(), reg)
			ch := d.Subscribe(16)
			require.NoError(t, d.Start(context.Background()))

			_, err := d.SubmitWithStrategy(pythonTask("t-"+string(strat), task.PriorityMedium), strat)
			require.NoError(t, err)

			done := collect(t, ch, events.TaskCompleted, 1, 2*time.Second)
			assert.Equal(t, "pythonista", done[0].Result.AgentID)
			assert.True(t, done[0].Result.Success)
			assert.Equal(t, "ok:t-"+string(strat), done[0].Result.Output)
		})
	}
}

// Scenario: five tasks with priorities [low, critical, medium, high, critical]
// and maxConcurrentTasks=1 dispatch as [critical, critical, high, medium, low]
// with the two criticals in submission order.
func TestPriorityDispatchOrder(t *testing.T) {
	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "solo", Capabilities: []string{"python"},
	}, &stubConn{}))

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1
	d := newTestDispatcher(t, cfg, reg)
	ch := d.Subscribe(64)

	for _, tc := range []struct {
		id string
		p  task.Priority
	}{
		{"low", task.PriorityLow},
		{"crit-1", task.PriorityCritical},
		{"med", task.PriorityMedium},
		{"high", task.PriorityHigh},
		{"crit-2", task.PriorityCritical},
	} {
		_, err := d.Submit(pythonTask(tc.id, tc.p))
		require.NoError(t, err)
	}

	require.NoError(t, d.Start(context.Background()))

	started := collect(t, ch, events.TaskStarted, 5, 5*time.Second)
	var order []string
	for _, ev := range started {
		order = append(order, ev.Task.ID)
	}
	assert.Equal(t, []string{"crit-1", "crit-2", "high", "med", "low"}, order)
}

func TestNoCapableAgentFailsPermanently(t *testing.T) {
	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "golanger", Capabilities: []string{"golang"},
	}, &stubConn{}))

	d := newTestDispatcher(t, testConfig(), reg)
	ch := d.Subscribe(16)
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(pythonTask("doomed", task.PriorityHigh))
	require.NoError(t, err)

	failed := collect(t, ch, events.TaskFailed, 1, 2*time.Second)
	assert.Equal(t, "doomed", failed[0].Task.ID)
	assert.ErrorIs(t, failed[0].Err, ErrNoCapableAgent)

	// The task left the pending set entirely.
	require.Eventually(t, func() bool {
		stats := d.GetStats()
		return stats["pending_tasks"].(int) == 0 && stats["executing_tasks"].(int) == 0
	}, time.Second, 10*time.Millisecond)
}

// Scenario: failureThreshold=3, three consecutive failures on the only
// capable agent open its breaker; a fourth task re-queues instead of failing
// with no-capable-agent, and dispatches after the cool-down probe.
func TestBreakerIsolatesFailingAgent(t *testing.T) {
	conn := &stubConn{}
	conn.failing.Store(true)

	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "agent-x", Capabilities: []string{"python"},
	}, conn))

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1
	cfg.CircuitBreaker.FailureThreshold = 3
	cfg.CircuitBreaker.ResetTimeout = 150 * time.Millisecond
	d := newTestDispatcher(t, cfg, reg)

	// Separate subscriptions so filtering one event name cannot discard
	// another the test asserts on later.
	completedCh := d.Subscribe(64)
	breakerCh := d.Subscribe(64)
	failedCh := d.Subscribe(64)
	require.NoError(t, d.Start(context.Background()))

	for _, id := range []string{"f-1", "f-2", "f-3"} {
		_, err := d.Submit(pythonTask(id, task.PriorityMedium))
		require.NoError(t, err)
	}

	done := collect(t, completedCh, events.TaskCompleted, 3, 5*time.Second)
	for _, ev := range done {
		assert.False(t, ev.Result.Success)
		assert.Contains(t, ev.Result.Error, "agent exploded")
	}

	opened := collect(t, breakerCh, events.CircuitBreakerOpened, 1, time.Second)
	assert.Equal(t, "agent-x", opened[0].AgentID)
	require.False(t, d.Breakers().IsAgentAvailable("agent-x"))

	// Fourth task re-queues while the breaker is open.
	conn.failing.Store(false)
	_, err := d.Submit(pythonTask("f-4", task.PriorityMedium))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	stats := d.GetStats()
	assert.Equal(t, 1, stats["pending_tasks"].(int), "task waits out the open breaker")

	// After the cool-down the probe goes through and succeeds.
	probe := collect(t, completedCh, events.TaskCompleted, 1, 5*time.Second)
	assert.Equal(t, "f-4", probe[0].Result.TaskID)
	assert.True(t, probe[0].Result.Success)

	reset := collect(t, breakerCh, events.CircuitBreakerReset, 1, time.Second)
	assert.Equal(t, "agent-x", reset[0].AgentID)

	// No task ever failed with no-capable-agent.
	select {
	case ev := <-failedCh:
		assert.NotEqual(t, events.TaskFailed, ev.Name)
	default:
	}
}

// Scenario: the window allows 2 dispatches; a third task is deferred to the
// next window, not dropped or errored.
func TestRateLimitDefersExcessTasks(t *testing.T) {
	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "agent-x", Capabilities: []string{"python"},
	}, &stubConn{}))

	cfg := testConfig()
	cfg.RateLimit.MaxRequestsPerWindow = 2
	cfg.RateLimit.Window = 200 * time.Millisecond
	d := newTestDispatcher(t, cfg, reg)
	ch := d.Subscribe(64)
	require.NoError(t, d.Start(context.Background()))

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		_, err := d.Submit(pythonTask(id, task.PriorityMedium))
		require.NoError(t, err)
	}

	first := collect(t, ch, events.TaskCompleted, 2, 2*time.Second)
	assert.Len(t, first, 2)

	// Third completes only after the window rolls over.
	rest := collect(t, ch, events.TaskCompleted, 1, 2*time.Second)
	assert.Equal(t, "r-3", rest[0].Result.TaskID)
	assert.True(t, rest[0].Result.Success)
}

func TestTimeoutCountsAsAgentFailure(t *testing.T) {
	conn := &stubConn{delay: 300 * time.Millisecond}
	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "slowpoke", Capabilities: []string{"python"},
	}, conn))

	cfg := testConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	d := newTestDispatcher(t, cfg, reg)
	ch := d.Subscribe(16)
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(pythonTask("sluggish", task.PriorityMedium))
	require.NoError(t, err)

	done := collect(t, ch, events.TaskCompleted, 1, 2*time.Second)
	assert.False(t, done[0].Result.Success)
	assert.Contains(t, done[0].Result.Error, "timed out")

	// Timeout recorded against the agent like any other failure.
	assert.Equal(t, 1, d.Breakers().GetStatus("slowpoke").Failures)
}

func TestLoadCounterNetZero(t *testing.T) {
	conn := &stubConn{delay: 80 * time.Millisecond}
	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "agent-x", Capabilities: []string{"python"},
	}, conn))

	d := newTestDispatcher(t, testConfig(), reg)
	ch := d.Subscribe(16)
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(pythonTask("busy", task.PriorityMedium))
	require.NoError(t, err)

	// Load counter is 1 while the execution is in flight.
	require.Eventually(t, func() bool {
		return d.AgentLoad("agent-x") == 1
	}, time.Second, 5*time.Millisecond)

	collect(t, ch, events.TaskCompleted, 1, 2*time.Second)

	require.Eventually(t, func() bool {
		return d.AgentLoad("agent-x") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestCancelPendingTask(t *testing.T) {
	d := newTestDispatcher(t, testConfig(), registry.NewInMemory())

	_, err := d.Submit(pythonTask("later", task.PriorityLow))
	require.NoError(t, err)

	require.NoError(t, d.Cancel("later"))
	assert.ErrorIs(t, d.Cancel("later"), ErrTaskNotPending)
	assert.ErrorIs(t, d.Cancel("never-submitted"), ErrTaskNotPending)

	// The slot is free again for the same id.
	_, err = d.Submit(pythonTask("later", task.PriorityLow))
	assert.NoError(t, err)
}

func TestLeastLoadedSpreadsWork(t *testing.T) {
	connA := &stubConn{delay: 150 * time.Millisecond}
	connB := &stubConn{delay: 150 * time.Millisecond}

	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "a", Capabilities: []string{"python"},
	}, connA))
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "b", Capabilities: []string{"python"},
	}, connB))

	cfg := testConfig()
	cfg.DefaultStrategy = selector.StrategyLeastLoaded
	d := newTestDispatcher(t, cfg, reg)
	ch := d.Subscribe(32)
	require.NoError(t, d.Start(context.Background()))

	for _, id := range []string{"w-1", "w-2"} {
		_, err := d.Submit(pythonTask(id, task.PriorityMedium))
		require.NoError(t, err)
	}

	done := collect(t, ch, events.TaskCompleted, 2, 3*time.Second)
	agents := map[string]bool{}
	for _, ev := range done {
		agents[ev.Result.AgentID] = true
	}
	assert.Len(t, agents, 2, "second task goes to the idle agent")
}

type captureSink struct {
	results []*task.Result
}

func (s *captureSink) SaveResult(res *task.Result) error {
	s.results = append(s.results, res)
	return nil
}

func TestResultSinkReceivesTerminalResults(t *testing.T) {
	reg := registry.NewInMemory()
	require.NoError(t, reg.Register(registry.AgentMetadata{
		ID: "agent-x", Capabilities: []string{"python"},
	}, &stubConn{}))

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1
	d := newTestDispatcher(t, cfg, reg)
	sink := &captureSink{}
	d.AddResultSink(sink)
	ch := d.Subscribe(16)
	require.NoError(t, d.Start(context.Background()))

	_, err := d.Submit(pythonTask("audit", task.PriorityMedium))
	require.NoError(t, err)
	collect(t, ch, events.TaskCompleted, 1, 2*time.Second)

	require.Len(t, sink.results, 1)
	res := sink.results[0]
	assert.Equal(t, "audit", res.TaskID)
	assert.True(t, res.Success)
	assert.Zero(t, res.Metadata.RetryCount)
	assert.False(t, res.Metadata.StartTime.IsZero())
	assert.False(t, res.Metadata.EndTime.Before(res.Metadata.StartTime))
}

func TestGetStatsShape(t *testing.T) {
	d := newTestDispatcher(t, testConfig(), registry.NewInMemory())

	_, err := d.Submit(pythonTask("waiting", task.PriorityMedium))
	require.NoError(t, err)

	stats := d.GetStats()
	assert.Equal(t, false, stats["running"])
	assert.Equal(t, 1, stats["pending_tasks"])
	assert.Equal(t, 0, stats["executing_tasks"])
	assert.Contains(t, stats, "agent_loads")
	assert.Contains(t, stats, "circuit_breakers")
	assert.Contains(t, stats, "rate_limits")
}

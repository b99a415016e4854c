package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"taskrouter/pkg/config"
	"taskrouter/pkg/dispatch"
	"taskrouter/pkg/eventlog"
	"taskrouter/pkg/events"
	"taskrouter/pkg/history"
	"taskrouter/pkg/logx"
	"taskrouter/pkg/metrics"
	"taskrouter/pkg/registry"
	"taskrouter/pkg/task"
)

// Router bundles the dispatcher with its supporting services so startup and
// shutdown happen in one place.
type Router struct {
	config     config.Config
	registry   *registry.InMemory
	dispatcher *dispatch.Dispatcher
	eventLog   *eventlog.Writer
	store      *history.Store
	metricsSrv *http.Server
	logger     *logx.Logger
	submitted  int
}

// topology describes the agents to register and the tasks to run, loaded from
// a YAML file passed via -topology.
type topology struct {
	Agents []topologyAgent `yaml:"agents"`
	Tasks  []topologyTask  `yaml:"tasks"`
}

type topologyAgent struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	Command      []string `yaml:"command"`
}

type topologyTask struct {
	Type                 string   `yaml:"type"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	Priority             string   `yaml:"priority"`
	Args                 []string `yaml:"args"`
}

// shellConnection adapts a local command to the registry.Connection interface.
// Task payload args are appended to the configured command line.
type shellConnection struct {
	command []string
}

func (c *shellConnection) Execute(ctx context.Context, t *task.Task) (any, error) {
	args := append([]string{}, c.command[1:]...)
	if extra, ok := t.Payload["args"].([]string); ok {
		args = append(args, extra...)
	}
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func main() {
	var configPath string
	var topologyPath string
	var logDir string
	var dbPath string
	var metricsAddr string
	flag.StringVar(&configPath, "config", "", "Path to router config file (YAML)")
	flag.StringVar(&topologyPath, "topology", "", "Path to agents/tasks topology file (YAML)")
	flag.StringVar(&logDir, "logdir", "logs", "Directory for the JSONL event log")
	flag.StringVar(&dbPath, "db", "", "SQLite path for the result history (empty disables)")
	flag.StringVar(&metricsAddr, "metrics", "", "Listen address for /metrics (empty disables)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if topologyPath == "" {
		log.Fatal("a -topology file is required")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	topo, err := loadTopology(topologyPath)
	if err != nil {
		log.Fatalf("Failed to load topology: %v", err)
	}

	router, err := NewRouter(cfg, logDir, dbPath, metricsAddr)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	ctx := context.Background()
	if err := router.Start(ctx, topo); err != nil {
		log.Fatalf("Failed to start router: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		router.logger.Info("Received signal %v, initiating graceful shutdown", sig)
	case <-router.drained():
		router.logger.Info("All tasks finished, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
}

// NewRouter wires the dispatcher to the event log, the result history and the
// metrics endpoint.
func NewRouter(cfg config.Config, logDir, dbPath, metricsAddr string) (*Router, error) {
	logger := logx.NewLogger("router")

	reg := registry.NewInMemory()
	dispatcher, err := dispatch.NewDispatcher(cfg, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	eventLog, err := eventlog.NewWriter(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	r := &Router{
		config:     cfg,
		registry:   reg,
		dispatcher: dispatcher,
		eventLog:   eventLog,
		logger:     logger,
	}

	if dbPath != "" {
		store, err := history.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open result history: %w", err)
		}
		r.store = store
		dispatcher.AddResultSink(store)
	}

	if metricsAddr != "" {
		promReg := prometheus.NewRegistry()
		dispatcher.SetRecorder(metrics.NewRecorder(promReg))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		r.metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	return r, nil
}

// Start registers the topology's agents, launches the dispatch loop and
// submits the topology's tasks.
func (r *Router) Start(ctx context.Context, topo *topology) error {
	for _, a := range topo.Agents {
		if len(a.Command) == 0 {
			return fmt.Errorf("agent %s has no command", a.ID)
		}
		meta := registry.AgentMetadata{ID: a.ID, Capabilities: a.Capabilities}
		if err := r.registry.Register(meta, &shellConnection{command: a.Command}); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", a.ID, err)
		}
		r.logger.Info("Registered agent %s with capabilities %v", a.ID, a.Capabilities)
	}

	go r.pumpEvents(r.dispatcher.Subscribe(256))

	if r.metricsSrv != nil {
		go func() {
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("Metrics server failed: %v", err)
			}
		}()
		r.logger.Info("Metrics available at http://%s/metrics", r.metricsSrv.Addr)
	}

	if err := r.dispatcher.Start(ctx); err != nil {
		return err
	}

	for _, tt := range topo.Tasks {
		t := task.New(tt.Type, tt.RequiredCapabilities)
		if tt.Priority != "" {
			t.Priority = task.Priority(tt.Priority)
		}
		if len(tt.Args) > 0 {
			t.Payload = map[string]any{"args": tt.Args}
		}
		if _, err := r.dispatcher.Submit(t); err != nil {
			return fmt.Errorf("failed to submit %s task: %w", tt.Type, err)
		}
		r.submitted++
	}
	r.logger.Info("Submitted %d tasks across %d agents", r.submitted, r.registry.AgentCount())

	return nil
}

// pumpEvents forwards dispatcher events to the JSONL log and echoes task
// outcomes to the console.
func (r *Router) pumpEvents(ch <-chan events.Event) {
	for ev := range ch {
		if err := r.eventLog.WriteEvent(ev); err != nil {
			r.logger.Error("Failed to write event: %v", err)
		}
		switch ev.Name {
		case events.TaskCompleted:
			if ev.Result.Success {
				fmt.Printf("✓ %s on %s (%s)\n", ev.Result.TaskID, ev.AgentID, ev.Result.ExecutionTime)
			} else {
				fmt.Printf("✗ %s on %s: %s\n", ev.Result.TaskID, ev.AgentID, ev.Result.Error)
			}
		case events.TaskFailed:
			fmt.Printf("✗ %s: %v\n", ev.Task.ID, ev.Err)
		}
	}
}

// drained returns a channel that closes once every submitted task reached a
// terminal state.
func (r *Router) drained() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			time.Sleep(200 * time.Millisecond)
			stats := r.dispatcher.GetStats()
			if stats["pending_tasks"].(int) == 0 && stats["executing_tasks"].(int) == 0 {
				return
			}
		}
	}()
	return done
}

// Shutdown stops the dispatch loop and closes the supporting services.
func (r *Router) Shutdown(ctx context.Context) error {
	if err := r.dispatcher.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop dispatcher: %w", err)
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil {
			r.logger.Warn("Metrics server shutdown: %v", err)
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("Failed to close result history: %v", err)
		}
	}
	if err := r.eventLog.Close(); err != nil {
		r.logger.Warn("Failed to close event log: %v", err)
	}
	return nil
}

func loadTopology(path string) (*topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	var topo topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology file %s: %w", path, err)
	}
	if len(topo.Agents) == 0 {
		return nil, fmt.Errorf("topology file %s declares no agents", path)
	}
	return &topo, nil
}

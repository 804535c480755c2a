// Package daemon wires a loaded DaemonConfig into running dispatchers:
// one accept+scheduler loop per configured module, a shared Prometheus
// metrics/status HTTP endpoint, and a context-driven graceful shutdown.
// It replaces the teacher's internal/daemon, which supervised a
// fork-exec'd capture-agent process over a Unix socket control plane —
// out of scope here per SPEC_FULL.md's Non-goals (no process
// supervision, no RPC control plane).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/config"
	"firestige.xyz/plumber/internal/dispatcher"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/log"
	"firestige.xyz/plumber/internal/metrics"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/module/filemod"
	"firestige.xyz/plumber/internal/module/memmod"
	"firestige.xyz/plumber/internal/task"
	"firestige.xyz/plumber/internal/typeinfer"
)

// defaultQueueCapacity is the event queue depth each dispatcher's module
// gets when a ModuleSpec doesn't say otherwise.
const defaultQueueCapacity = 64

// runningGraph pairs one loaded service with the task table and cluster
// map its dispatchers share.
type runningGraph struct {
	svc      *graph.Service
	tb       *task.Table
	clusters map[graph.NodeID]cluster.Info
}

// Daemon owns every graph loaded from a DaemonConfig's graph directory
// and one dispatcher per configured module.
type Daemon struct {
	cfg *config.DaemonConfig

	graphs      map[string]*runningGraph
	dispatchers map[string]*dispatcher.Dispatcher

	metricsSrv *metrics.Server

	mu   sync.Mutex
	done chan struct{}
}

// New loads every graph wiring file in cfg.GraphDir, builds a module
// instance and dispatcher for each configured ModuleSpec, and returns a
// Daemon ready to Run.
func New(cfg *config.DaemonConfig) (*Daemon, error) {
	log.Init(&cfg.Log)

	d := &Daemon{
		cfg:         cfg,
		graphs:      make(map[string]*runningGraph),
		dispatchers: make(map[string]*dispatcher.Dispatcher),
		done:        make(chan struct{}),
	}

	if err := d.loadGraphs(); err != nil {
		return nil, err
	}

	var nextID uint32
	names := make([]string, 0, len(cfg.Modules))
	for name := range cfg.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := cfg.Modules[name]
		rg, ok := d.graphs[spec.Graph]
		if !ok {
			return nil, fmt.Errorf("module %s: graph %q not found in %s", name, spec.Graph, cfg.GraphDir)
		}
		nextID++
		mod, err := buildModule(module.ModuleID(nextID), spec)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		d.dispatchers[name] = dispatcher.New(rg.svc, mod, rg.tb, rg.clusters, defaultQueueCapacity)
	}

	return d, nil
}

// loadGraphs reads every *.yml/*.yaml/*.json file directly under
// cfg.GraphDir, parses it with config.ParseGraphConfigAuto, builds the
// graph.Service, and runs type inference and critical-cluster analysis
// so each graph is immediately dispatch-ready.
func (d *Daemon) loadGraphs() error {
	entries, err := os.ReadDir(d.cfg.GraphDir)
	if err != nil {
		return fmt.Errorf("daemon: read graph_dir %s: %w", d.cfg.GraphDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" && ext != ".json" {
			continue
		}
		path := filepath.Join(d.cfg.GraphDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("daemon: read %s: %w", path, err)
		}
		gc, err := config.ParseGraphConfigAuto(data, entry.Name())
		if err != nil {
			return fmt.Errorf("daemon: parse %s: %w", path, err)
		}
		svc, err := gc.Build()
		if err != nil {
			return fmt.Errorf("daemon: build graph %s: %w", gc.Name, err)
		}
		cat := typeinfer.NewCatalogue()
		if err := typeinfer.Infer(svc, cat); err != nil {
			return fmt.Errorf("daemon: infer types for graph %s: %w", gc.Name, err)
		}
		if _, exists := d.graphs[gc.Name]; exists {
			return fmt.Errorf("daemon: duplicate graph name %q (from %s)", gc.Name, path)
		}
		d.graphs[gc.Name] = &runningGraph{
			svc:      svc,
			tb:       task.NewTable(),
			clusters: cluster.Analyze(svc),
		}
	}

	if len(d.graphs) == 0 {
		return fmt.Errorf("daemon: no graph files found in %s", d.cfg.GraphDir)
	}
	return nil
}

// buildModule constructs the reference module named by spec.Type. Only
// the two reference modules shipped with this repository (SPEC_FULL.md
// §4.1) are supported; anything else is an unconfigured module type.
func buildModule(id module.ModuleID, spec config.ModuleSpec) (module.Module, error) {
	switch spec.Type {
	case "plumber/mem":
		depth := spec.QueueDepth
		if depth <= 0 {
			depth = 16
		}
		return memmod.New(id, spec.HeaderSize, depth), nil
	case "plumber/file":
		if spec.FilePath == "" {
			return nil, fmt.Errorf("file_path is required for plumber/file")
		}
		f, err := os.Open(spec.FilePath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", spec.FilePath, err)
		}
		return filemod.New(id, f, spec.HeaderSize), nil
	default:
		return nil, fmt.Errorf("unknown module type %q", spec.Type)
	}
}

// Run starts the metrics/status HTTP server (if enabled) and every
// dispatcher, blocking until ctx is cancelled, then waits for every
// dispatcher to drain its in-flight requests before returning.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.GetLogger()

	if d.cfg.Metrics.Enabled {
		d.startMetricsServer()
	}

	var wg sync.WaitGroup
	for name, disp := range d.dispatchers {
		wg.Add(1)
		go func(name string, disp *dispatcher.Dispatcher) {
			defer wg.Done()
			if err := disp.Run(ctx); err != nil {
				logger.WithField("module", name).WithError(err).Error("daemon: dispatcher exited with error")
			}
		}(name, disp)
	}

	<-ctx.Done()
	for _, disp := range d.dispatchers {
		disp.Shutdown()
	}
	wg.Wait()

	if d.metricsSrv != nil {
		if err := d.metricsSrv.Stop(context.Background()); err != nil {
			logger.WithError(err).Error("daemon: metrics server shutdown failed")
		}
	}
	close(d.done)
	return nil
}

// Done returns a channel closed once Run has finished shutting down
// every dispatcher.
func (d *Daemon) Done() <-chan struct{} { return d.done }

func (d *Daemon) startMetricsServer() {
	d.metricsSrv = metrics.NewServer(d.cfg.Metrics.Listen, d.cfg.Metrics.Path)
	d.metricsSrv.Handle("/debug/status", http.HandlerFunc(d.serveStatus))
	_ = d.metricsSrv.Start(context.Background())
}

// StatusReport is the JSON shape served at /debug/status and printed by
// the CLI's "status" subcommand — the in-process introspection
// SPEC_FULL.md substitutes for the teacher's RPC control plane.
type StatusReport struct {
	Graphs map[string]GraphStatus `json:"graphs"`
}

// GraphStatus reports one loaded graph's node count and pending task count.
type GraphStatus struct {
	Nodes   int `json:"nodes"`
	Pending int `json:"pending_tasks"`
}

// Status snapshots every loaded graph's node count and the total pending
// task count, summed over all requests currently in its task table.
func (d *Daemon) Status() StatusReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := StatusReport{Graphs: make(map[string]GraphStatus, len(d.graphs))}
	for name, rg := range d.graphs {
		report.Graphs[name] = GraphStatus{
			Nodes:   len(rg.svc.Nodes),
			Pending: rg.tb.TotalPending(),
		}
	}
	return report
}

func (d *Daemon) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Status())
}

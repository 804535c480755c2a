package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/plumber/internal/config"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/pkg/servlet"
	_ "firestige.xyz/plumber/pkg/servlet/builtin"
)

type daemonTestSource struct{ pdt *servlet.PDT }

func (s *daemonTestSource) PDT() *servlet.PDT             { return s.pdt }
func (s *daemonTestSource) Init(map[string]any) error     { return nil }
func (s *daemonTestSource) Unload() error                 { return nil }
func (s *daemonTestSource) Exec(*servlet.ExecContext) error { return nil }

func init() {
	servlet.RegisterType("daemon-test-source", func() servlet.Servlet {
		return &daemonTestSource{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true, TypeExpr: "plumber/std/String"},
				{ID: 1, Name: "out", Input: false, TypeExpr: "plumber/std/String"},
			},
			NullPipe:  98,
			ErrorPipe: 99,
		}}
	})
}

const echoGraphYAML = `
name: echo-service
input:
  node: 1
  pipe: 0
output:
  node: 2
  pipe: 1
nodes:
  - id: 1
    type: daemon-test-source
  - id: 2
    type: plumber/echo
edges:
  - from_node: 1
    from_pipe: 1
    to_node: 2
    to_pipe: 0
    type_expr: "$t"
`

func writeGraphDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestNewLoadsGraphsAndBuildsDispatchers(t *testing.T) {
	graphDir := writeGraphDir(t, map[string]string{"echo.yaml": echoGraphYAML})

	cfg := &config.DaemonConfig{
		GraphDir: graphDir,
		Metrics:  config.MetricsConfig{Enabled: false},
		Modules: map[string]config.ModuleSpec{
			"mem": {Type: "plumber/mem", Graph: "echo-service", QueueDepth: 4},
		},
	}

	d, err := New(cfg)
	require.NoError(t, err)
	require.Contains(t, d.graphs, "echo-service")
	assert.Len(t, d.graphs["echo-service"].svc.Nodes, 2)
	require.Contains(t, d.dispatchers, "mem")
}

func TestNewFailsWhenGraphDirEmpty(t *testing.T) {
	_, err := New(&config.DaemonConfig{GraphDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no graph files found")
}

func TestNewFailsWhenModuleReferencesUnknownGraph(t *testing.T) {
	graphDir := writeGraphDir(t, map[string]string{"echo.yaml": echoGraphYAML})
	cfg := &config.DaemonConfig{
		GraphDir: graphDir,
		Modules: map[string]config.ModuleSpec{
			"mem": {Type: "plumber/mem", Graph: "does-not-exist"},
		},
	}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist")
}

func TestBuildModuleUnknownType(t *testing.T) {
	_, err := buildModule(module.ModuleID(1), config.ModuleSpec{Type: "plumber/bogus"})
	require.Error(t, err)
}

func TestBuildModuleFileRequiresPath(t *testing.T) {
	_, err := buildModule(module.ModuleID(1), config.ModuleSpec{Type: "plumber/file"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path")
}

func TestBuildModuleFileOpensReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.log")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0644))

	mod, err := buildModule(module.ModuleID(1), config.ModuleSpec{Type: "plumber/file", FilePath: path})
	require.NoError(t, err)
	assert.True(t, mod.Flags()&module.EventLoop != 0)
}

// TestRunDrainsOnContextCancelWithNoModules exercises the "shutdown
// drains" ambient scenario degenerate case: zero configured modules, so
// Run should observe ctx cancellation and return promptly without
// leaving any goroutine behind.
func TestRunDrainsOnContextCancelWithNoModules(t *testing.T) {
	graphDir := writeGraphDir(t, map[string]string{"echo.yaml": echoGraphYAML})
	d, err := New(&config.DaemonConfig{GraphDir: graphDir, Metrics: config.MetricsConfig{Enabled: false}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	select {
	case <-d.Done():
	default:
		t.Fatal("Done() channel not closed after Run returned")
	}
}

func TestStatusReportsNodeCountsAndPending(t *testing.T) {
	graphDir := writeGraphDir(t, map[string]string{"echo.yaml": echoGraphYAML})
	d, err := New(&config.DaemonConfig{GraphDir: graphDir, Metrics: config.MetricsConfig{Enabled: false}})
	require.NoError(t, err)

	status := d.Status()
	require.Contains(t, status.Graphs, "echo-service")
	assert.Equal(t, 2, status.Graphs["echo-service"].Nodes)
	assert.Equal(t, 0, status.Graphs["echo-service"].Pending)
}

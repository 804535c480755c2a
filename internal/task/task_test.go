package task_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/internal/task"
	"firestige.xyz/plumber/pkg/servlet"
)

// recordingModule is a minimal module.Module stub that only needs to
// track how many times Deallocate ran, for DrainAll's test.
type recordingModule struct {
	deallocated []*handle.Handle
}

func (m *recordingModule) Init([]string) error { return nil }
func (m *recordingModule) Cleanup() error      { return nil }
func (m *recordingModule) Flags() module.Flags { return 0 }
func (m *recordingModule) Accept(context.Context, module.AcceptParam) (*handle.Handle, *handle.Handle, error) {
	return nil, nil, nil
}
func (m *recordingModule) Allocate(module.PipeParam) (*handle.Handle, *handle.Handle, error) {
	return nil, nil, nil
}
func (m *recordingModule) Fork(src *handle.Handle, flags pipeflag.Flags, headerSize uint32) (*handle.Handle, error) {
	return src.Fork(flags, headerSize), nil
}
func (m *recordingModule) Read(*handle.Handle, []byte) (int, error)  { return 0, nil }
func (m *recordingModule) Write(*handle.Handle, []byte) (int, error) { return 0, nil }
func (m *recordingModule) WriteScopeToken(*handle.Handle, module.ScopeToken, module.DataRequest) error {
	return nil
}
func (m *recordingModule) WriteCallback(*handle.Handle, module.DataSource, module.DataRequest) error {
	return nil
}
func (m *recordingModule) EOF(*handle.Handle) (bool, error)                 { return false, nil }
func (m *recordingModule) Cntl(*handle.Handle, module.CntlOp, ...any) error { return nil }
func (m *recordingModule) Deallocate(h *handle.Handle, hadError, purge bool) error {
	m.deallocated = append(m.deallocated, h)
	return nil
}
func (m *recordingModule) EventThreadKilled() {}

type stubServlet struct{ pdt *servlet.PDT }

func (s *stubServlet) PDT() *servlet.PDT               { return s.pdt }
func (s *stubServlet) Init(map[string]any) error       { return nil }
func (s *stubServlet) Exec(*servlet.ExecContext) error  { return nil }
func (s *stubServlet) Unload() error                   { return nil }

func register(name string) {
	servlet.RegisterType(name, func() servlet.Servlet {
		return &stubServlet{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true},
				{ID: 0, Name: "out", Input: false},
			},
			NullPipe:  10,
			ErrorPipe: 11,
		}}
	})
}

func init() {
	register("task-test-echo")
	register("task-test-a")
	register("task-test-b")
	register("task-test-c")
	register("task-test-d")
}

func buildEcho(t *testing.T) *graph.Service {
	t.Helper()
	svc, err := graph.NewBuilder("echo").
		AddNode(1, "task-test-echo", nil).
		SetInputBoundary(1, 0).
		SetOutputBoundary(1, 1).
		Build()
	require.NoError(t, err)
	return svc
}

func TestNewRequestEnqueuesSingleNodeEchoImmediately(t *testing.T) {
	svc := buildEcho(t)
	tb := task.NewTable()

	in := handle.New(0, 0, 0)
	out := handle.New(0, 0, 0)
	reqID, err := tb.NewRequest(svc, in, out)
	require.NoError(t, err)
	assert.Equal(t, 1, tb.Pending(reqID))

	ready, err := tb.NextReadyTask(nil)
	require.NoError(t, err)
	require.NotNil(t, ready)
	assert.Equal(t, svc.Input.Node, ready.Node)
	assert.Same(t, in, ready.Pipe(svc.Input.Pipe))
	assert.Same(t, out, ready.Pipe(svc.Output.Pipe))
}

func TestFreeDestroysScopeWhenPendingHitsZero(t *testing.T) {
	svc := buildEcho(t)
	tb := task.NewTable()

	reqID, err := tb.NewRequest(svc, handle.New(0, 0, 0), handle.New(0, 0, 0))
	require.NoError(t, err)

	scope, ok := tb.Scope(reqID)
	require.True(t, ok)
	require.False(t, scope.Freed())

	ready, err := tb.NextReadyTask(nil)
	require.NoError(t, err)
	require.NoError(t, tb.Free(ready))

	assert.Equal(t, 0, tb.Pending(reqID))
	assert.True(t, scope.Freed())
}

func TestInputCancelledIdempotenceOnDistinctSlots(t *testing.T) {
	svc, err := graph.NewBuilder("fanin").
		AddNode(1, "task-test-a", nil).
		AddNode(2, "task-test-b", nil).
		AddEdge(1, 0, 2, 0, "$t").
		SetInputBoundary(1, 0).
		SetOutputBoundary(2, 0).
		Build()
	require.NoError(t, err)

	tb := task.NewTable()
	reqID, err := tb.NewRequest(svc, handle.New(0, 0, 0), handle.New(0, 0, 0))
	require.NoError(t, err)

	require.NoError(t, tb.InputPipe(svc, reqID, 2, 0, handle.New(0, 0, 0)))
	ready, err := tb.NextReadyTask(nil)
	require.NoError(t, err)
	require.NotNil(t, ready)

	err = tb.InputCancelled(ready, 99)
	require.NoError(t, err)
	err = tb.InputCancelled(ready, 99)
	require.ErrorIs(t, err, perr.ErrInvalidArg)

	err = tb.InputCancelled(ready, 100)
	require.NoError(t, err)
}

// TestClusterCancellationFreesDeadTaskWithoutReturningIt exercises the
// diamond-style cancellation-propagation scenario collapsed to a chain:
// A (input boundary) -> M -> Z (output boundary). A cancels its one edge
// into M instead of producing output; M becomes dead, and since M's sole
// outgoing edge is Z's sole producer, Z is removed from the table too
// rather than ever being handed back as ready.
func TestClusterCancellationFreesDeadTaskWithoutReturningIt(t *testing.T) {
	svc, err := graph.NewBuilder("chain").
		AddNode(1, "task-test-a", nil).
		AddNode(2, "task-test-b", nil).
		AddNode(3, "task-test-c", nil).
		AddEdge(1, 0, 2, 0, "$t").
		AddEdge(2, 0, 3, 0, "$t").
		SetInputBoundary(1, 0).
		SetOutputBoundary(3, 0).
		Build()
	require.NoError(t, err)

	clusters := cluster.Analyze(svc)

	tb := task.NewTable()
	reqID, err := tb.NewRequest(svc, handle.New(0, 0, 0), handle.New(0, 0, 0))
	require.NoError(t, err)

	a, err := tb.NextReadyTask(clusters)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, graph.NodeID(1), a.Node)

	// A's exec signals failure: the edge into M (node 2) is cancelled
	// rather than assigned a produced handle.
	cancelledHandle := handle.New(0, 0, 0)
	cancelledHandle.Cancel()
	require.NoError(t, tb.InputPipe(svc, reqID, 2, 0, cancelledHandle))
	require.NoError(t, tb.Free(a))

	next, err := tb.NextReadyTask(clusters)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, 0, tb.Pending(reqID))
}

// TestDrainAllFreesTaskStuckAwaitingInputForever builds a fan-in task
// (node 2) that declares two incoming edges but only ever receives one
// of them — node 3's only edge targets node 2, but node 3 has no
// incoming edges of its own and is never triggered, so it never fires
// the second edge. DrainAll must still free node 2, deallocate every
// handle still held across the request (including node 1's untouched
// input boundary handle), and destroy the request's scope, matching
// spec.md §4.9's shutdown guarantee.
func TestDrainAllFreesTaskStuckAwaitingInputForever(t *testing.T) {
	svc, err := graph.NewBuilder("fanin-stuck").
		AddNode(1, "task-test-a", nil).
		AddNode(2, "task-test-b", nil).
		AddNode(3, "task-test-c", nil).
		AddEdge(1, 0, 2, 0, "$t").
		AddEdge(3, 0, 2, 1, "$t"). // node 3 is never reachable from the input boundary
		SetInputBoundary(1, 0).
		SetOutputBoundary(2, 0).
		Build()
	require.NoError(t, err)

	tb := task.NewTable()
	reqID, err := tb.NewRequest(svc, handle.New(0, 0, 0), handle.New(0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, 2, tb.Pending(reqID))

	// Only node 1's edge into node 2 ever arrives; node 3's never will.
	stuckHandle := handle.New(0, 0, 0)
	require.NoError(t, tb.InputPipe(svc, reqID, 2, 0, stuckHandle))
	require.Equal(t, 2, tb.Pending(reqID), "node 2 must still be short one input")

	scope, ok := tb.Scope(reqID)
	require.True(t, ok)
	require.False(t, scope.Freed())

	// Node 1 is still sitting on the ready queue, holding the original
	// input boundary handle, untouched by anything but DrainAll.
	mod := &recordingModule{}
	tb.DrainAll(mod)

	assert.Equal(t, 0, tb.TotalPending())
	assert.True(t, scope.Freed())
	_, ok = tb.Scope(reqID)
	assert.False(t, ok)
	assert.NotEmpty(t, mod.deallocated)

	next, err := tb.NextReadyTask(nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

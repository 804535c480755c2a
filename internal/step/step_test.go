package step_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/internal/step"
	"firestige.xyz/plumber/internal/task"
	"firestige.xyz/plumber/pkg/servlet"
)

// stubModule is the minimal module.Module double the step engine needs:
// Allocate and Fork for pipe materialization, everything else unused by
// these tests.
type stubModule struct{}

func (stubModule) Init([]string) error { return nil }
func (stubModule) Cleanup() error      { return nil }
func (stubModule) Flags() module.Flags { return 0 }

func (stubModule) Accept(context.Context, module.AcceptParam) (*handle.Handle, *handle.Handle, error) {
	return nil, nil, nil
}

func (stubModule) Allocate(param module.PipeParam) (*handle.Handle, *handle.Handle, error) {
	out := handle.New(0, param.OutputFlags, param.OutputHeader)
	in := handle.New(0, param.InputFlags, param.InputHeader)
	return out, in, nil
}

func (stubModule) Fork(src *handle.Handle, flags pipeflag.Flags, headerSize uint32) (*handle.Handle, error) {
	return src.Fork(flags, headerSize), nil
}

func (stubModule) Read(*handle.Handle, []byte) (int, error)  { return 0, nil }
func (stubModule) Write(*handle.Handle, []byte) (int, error) { return 0, nil }
func (stubModule) WriteScopeToken(*handle.Handle, module.ScopeToken, module.DataRequest) error {
	return nil
}
func (stubModule) WriteCallback(*handle.Handle, module.DataSource, module.DataRequest) error {
	return nil
}
func (stubModule) EOF(*handle.Handle) (bool, error)                      { return false, nil }
func (stubModule) Cntl(*handle.Handle, module.CntlOp, ...any) error      { return nil }
func (stubModule) Deallocate(*handle.Handle, bool, bool) error           { return nil }
func (stubModule) EventThreadKilled()                                   {}

// echoServlet copies its single input byte-for-byte to its single output.
type echoServlet struct{ pdt *servlet.PDT }

func (s *echoServlet) PDT() *servlet.PDT         { return s.pdt }
func (s *echoServlet) Init(map[string]any) error { return nil }
func (s *echoServlet) Unload() error             { return nil }
func (s *echoServlet) Exec(ctx *servlet.ExecContext) error {
	in := ctx.Pipe(0)
	out := ctx.Pipe(1)
	buf := make([]byte, 64)
	n, _ := in.Read(buf)
	if n > 0 {
		out.Write(buf[:n])
	}
	return nil
}

// failServlet always returns an error without touching any output pipe.
type failServlet struct{ pdt *servlet.PDT }

func (s *failServlet) PDT() *servlet.PDT         { return s.pdt }
func (s *failServlet) Init(map[string]any) error { return nil }
func (s *failServlet) Unload() error             { return nil }
func (s *failServlet) Exec(*servlet.ExecContext) error {
	return assert.AnError
}

func init() {
	servlet.RegisterType("step-test-echo", func() servlet.Servlet {
		return &echoServlet{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true, Flags: pipeflag.Input},
				{ID: 1, Name: "out", Input: false, Flags: pipeflag.Output},
			},
			NullPipe:  10,
			ErrorPipe: 11,
		}}
	})
	servlet.RegisterType("step-test-relay", func() servlet.Servlet {
		return &echoServlet{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true, Flags: pipeflag.Input},
				{ID: 1, Name: "out", Input: false, Flags: pipeflag.Output},
			},
			NullPipe:  10,
			ErrorPipe: 11,
		}}
	})
	servlet.RegisterType("step-test-fail", func() servlet.Servlet {
		return &failServlet{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true, Flags: pipeflag.Input},
				{ID: 1, Name: "out", Input: false, Flags: pipeflag.Output},
			},
			NullPipe:  10,
			ErrorPipe: 11,
		}}
	})
	servlet.RegisterType("step-test-sink", func() servlet.Servlet {
		return &echoServlet{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true, Flags: pipeflag.Input},
				{ID: 1, Name: "out", Input: false, Flags: pipeflag.Output},
			},
			NullPipe:  10,
			ErrorPipe: 11,
		}}
	})
}

func TestStepRunsSingleNodeEchoAndRecordsSuccess(t *testing.T) {
	svc, err := graph.NewBuilder("echo").
		AddNode(1, "step-test-echo", nil).
		SetInputBoundary(1, 0).
		SetOutputBoundary(1, 1).
		Build()
	require.NoError(t, err)

	clusters := cluster.Analyze(svc)
	tb := task.NewTable()
	mod := stubModule{}

	in := handle.New(0, pipeflag.Input, 0)
	in.Write([]byte("hi"))
	out := handle.New(0, pipeflag.Output, 0)
	reqID, err := tb.NewRequest(svc, in, out)
	require.NoError(t, err)

	ran, err := step.Step(mod, tb, clusters)
	require.NoError(t, err)
	require.True(t, ran)

	buf := make([]byte, 8)
	n, _ := out.Read(buf)
	assert.Equal(t, "hi", string(buf[:n]))
	assert.Equal(t, 0, tb.Pending(reqID))

	ran, err = step.Step(mod, tb, clusters)
	require.NoError(t, err)
	assert.False(t, ran)
}

// TestStepFailedExecStillRunsSolelyFedOutputNode exercises the chain
// A -> B where A's exec fails: A's bound output pipe is marked erroneous
// (its __error__ sentinel pipe is not bound in this graph), B still runs
// (it's the output boundary and always runs regardless of upstream
// failure), and both tasks drain from the table without ever blocking on
// a dead input.
func TestStepFailedExecStillRunsSolelyFedOutputNode(t *testing.T) {
	svc, err := graph.NewBuilder("chain").
		AddNode(1, "step-test-fail", nil).
		AddNode(2, "step-test-sink", nil).
		AddEdge(1, 1, 2, 0, "$t").
		SetInputBoundary(1, 0).
		SetOutputBoundary(2, 1).
		Build()
	require.NoError(t, err)

	clusters := cluster.Analyze(svc)
	tb := task.NewTable()
	mod := stubModule{}

	in := handle.New(0, pipeflag.Input, 0)
	out := handle.New(0, pipeflag.Output, 0)
	reqID, err := tb.NewRequest(svc, in, out)
	require.NoError(t, err)

	// Step 1: node A (step-test-fail) runs, its exec returns an error, and
	// the output end of its edge pipe is marked errored; node B's input is
	// the other handle stubModule.Allocate returned for that edge, which
	// is a separate handle and is not marked.
	ran, err := step.Step(mod, tb, clusters)
	require.NoError(t, err)
	require.True(t, ran)

	// Step 2: node B (the output boundary) always runs regardless of
	// upstream failure.
	ran, err = step.Step(mod, tb, clusters)
	require.NoError(t, err)
	require.True(t, ran)

	assert.Equal(t, 0, tb.Pending(reqID))

	ran, err = step.Step(mod, tb, clusters)
	require.NoError(t, err)
	assert.False(t, ran)
}

package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/pkg/servlet"
)

type passthroughServlet struct{ pdt *servlet.PDT }

func (s *passthroughServlet) PDT() *servlet.PDT              { return s.pdt }
func (s *passthroughServlet) Init(map[string]any) error      { return nil }
func (s *passthroughServlet) Exec(*servlet.ExecContext) error { return nil }
func (s *passthroughServlet) Unload() error                  { return nil }

func register(name string) {
	servlet.RegisterType(name, func() servlet.Servlet {
		return &passthroughServlet{pdt: &servlet.PDT{
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
	register("cluster-test-a")
	register("cluster-test-b")
	register("cluster-test-c")
	register("cluster-test-d")
}

// buildDiamond builds A -> {B, C} -> D, the scenario from spec.md §8's
// cancellation-propagation case.
func buildDiamond(t *testing.T) *graph.Service {
	t.Helper()
	svc, err := graph.NewBuilder("diamond").
		AddNode(1, "cluster-test-a", nil).
		AddNode(2, "cluster-test-b", nil).
		AddNode(3, "cluster-test-c", nil).
		AddNode(4, "cluster-test-d", nil).
		AddEdge(1, 0, 2, 0, "$t").
		AddEdge(1, 0, 3, 0, "$t").
		AddEdge(2, 0, 4, 0, "$t").
		AddEdge(3, 0, 4, 0, "$t").
		SetInputBoundary(1, 0).
		SetOutputBoundary(4, 0).
		Build()
	require.NoError(t, err)
	return svc
}

func TestAnalyzeDiamondBIsNotCriticalForOutput(t *testing.T) {
	svc := buildDiamond(t)
	info := cluster.Analyze(svc)

	// B has one outgoing edge (B -> D), but D has two producers (B and C),
	// so cancelling B alone never forces D to cancel: B's cluster doesn't
	// reach the output.
	b := info[2]
	require.Len(t, b.BoundaryEdges, 1)
	assert.Equal(t, graph.NodeID(4), b.BoundaryEdges[0].DestNode)
	assert.False(t, b.OutputInCluster)
}

func TestAnalyzeSoleProducerCascadesToOutput(t *testing.T) {
	svc, err := graph.NewBuilder("chain").
		AddNode(1, "cluster-test-a", nil).
		AddNode(2, "cluster-test-b", nil).
		AddEdge(1, 0, 2, 0, "$t").
		SetInputBoundary(1, 0).
		SetOutputBoundary(2, 0).
		Build()
	require.NoError(t, err)

	info := cluster.Analyze(svc)
	a := info[1]
	require.Len(t, a.BoundaryEdges, 1)
	assert.True(t, a.OutputInCluster)
}

func TestAnalyzeSinkNodeHasNoBoundaryWhenNoOutgoingEdges(t *testing.T) {
	svc := buildDiamond(t)
	info := cluster.Analyze(svc)
	d := info[4]
	assert.Empty(t, d.BoundaryEdges)
	assert.False(t, d.OutputInCluster)
}

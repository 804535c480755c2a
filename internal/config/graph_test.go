package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/plumber/internal/config"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/pkg/servlet"
	_ "firestige.xyz/plumber/pkg/servlet/builtin"
)

const graphYAML = `
name: echo-service
input:
  node: 1
  pipe: 0
output:
  node: 2
  pipe: 1
nodes:
  - id: 1
    type: builtin-test-source
  - id: 2
    type: plumber/echo
edges:
  - from_node: 1
    from_pipe: 1
    to_node: 2
    to_pipe: 0
    type_expr: "$t"
`

const graphJSON = `
{
  "name": "echo-service",
  "input": {"node": 1, "pipe": 0},
  "output": {"node": 2, "pipe": 1},
  "nodes": [
    {"id": 1, "type": "builtin-test-source"},
    {"id": 2, "type": "plumber/echo"}
  ],
  "edges": [
    {"from_node": 1, "from_pipe": 1, "to_node": 2, "to_pipe": 0, "type_expr": "$t"}
  ]
}
`

type sourceServlet struct{ pdt *servlet.PDT }

func (s *sourceServlet) PDT() *servlet.PDT         { return s.pdt }
func (s *sourceServlet) Init(map[string]any) error { return nil }
func (s *sourceServlet) Unload() error             { return nil }
func (s *sourceServlet) Exec(*servlet.ExecContext) error { return nil }

func init() {
	servlet.RegisterType("builtin-test-source", func() servlet.Servlet {
		return &sourceServlet{pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: 0, Name: "in", Input: true, TypeExpr: "plumber/std/String"},
				{ID: 1, Name: "out", Input: false, TypeExpr: "plumber/std/String"},
			},
			NullPipe:  98,
			ErrorPipe: 99,
		}}
	})
}

func TestParseGraphConfigAutoYAML(t *testing.T) {
	gc, err := config.ParseGraphConfigAuto([]byte(graphYAML), "echo.yaml")
	require.NoError(t, err)
	assert.Equal(t, "echo-service", gc.Name)
	assert.Len(t, gc.Nodes, 2)
	assert.Len(t, gc.Edges, 1)
}

// TestParseGraphConfigYAMLAndJSONAgree is the ambient "config round-trip"
// property applied to graph wiring: YAML and JSON describing the same
// graph parse to identical GraphConfig values.
func TestParseGraphConfigYAMLAndJSONAgree(t *testing.T) {
	fromYAML, err := config.ParseGraphConfigAuto([]byte(graphYAML), "echo.yaml")
	require.NoError(t, err)
	fromJSON, err := config.ParseGraphConfigAuto([]byte(graphJSON), "echo.json")
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromJSON)
}

func TestGraphConfigBuildWiresNodesAndEdges(t *testing.T) {
	gc, err := config.ParseGraphConfigAuto([]byte(graphYAML), "echo.yaml")
	require.NoError(t, err)

	svc, err := gc.Build()
	require.NoError(t, err)

	assert.Equal(t, "echo-service", svc.Name)
	n1, ok := svc.Node(1)
	require.True(t, ok)
	assert.Equal(t, "builtin-test-source", n1.Type)
	n2, ok := svc.Node(2)
	require.True(t, ok)
	assert.Equal(t, "plumber/echo", n2.Type)

	edges := svc.OutgoingEdges(1)
	require.Len(t, edges, 1)
	assert.Equal(t, graph.NodeID(2), edges[0].DestNode)
	assert.Equal(t, servlet.PipeID(0), edges[0].DestPipe)
}

func TestGraphConfigValidateRejectsUnknownNodeReference(t *testing.T) {
	gc := &config.GraphConfig{
		Name: "broken",
		Nodes: []config.NodeConfig{
			{ID: 1, Type: "plumber/echo"},
		},
		Edges: []config.EdgeConfig{
			{FromNode: 1, FromPipe: 1, ToNode: 99, ToPipe: 0, TypeExpr: "$t"},
		},
		Input:  config.BoundaryConfig{Node: 1, Pipe: 0},
		Output: config.BoundaryConfig{Node: 1, Pipe: 1},
	}
	err := gc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to_node 99")
}

func TestDecodeArgv(t *testing.T) {
	type opts struct {
		Message string `mapstructure:"message"`
	}
	var o opts
	require.NoError(t, config.DecodeArgv(map[string]any{"message": "boom"}, &o))
	assert.Equal(t, "boom", o.Message)
}

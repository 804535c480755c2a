package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/pkg/servlet"
)

// GraphConfig is the on-disk description of one service graph: its
// nodes, the edges wiring them together, and the two boundary pipes an
// external module's request binds to.
type GraphConfig struct {
	Name                   string         `json:"name" yaml:"name"`
	PropagateNullToShadows bool           `json:"propagate_null_to_shadows" yaml:"propagate_null_to_shadows"`
	Nodes                  []NodeConfig   `json:"nodes" yaml:"nodes"`
	Edges                  []EdgeConfig   `json:"edges" yaml:"edges"`
	Input                  BoundaryConfig `json:"input" yaml:"input"`
	Output                 BoundaryConfig `json:"output" yaml:"output"`
}

// NodeConfig instantiates one servlet. Argv is decoded generically
// (numbers arrive as float64 from JSON, matching the teacher's
// plugin-config map convention) and passed to the servlet's Init
// unchanged; DecodeArgv below is available when a servlet wants it
// typed instead.
type NodeConfig struct {
	ID   uint32         `json:"id" yaml:"id"`
	Type string         `json:"type" yaml:"type"`
	Argv map[string]any `json:"argv" yaml:"argv"`
}

// EdgeConfig wires one node's output pipe to another node's input pipe.
type EdgeConfig struct {
	FromNode uint32 `json:"from_node" yaml:"from_node"`
	FromPipe uint32 `json:"from_pipe" yaml:"from_pipe"`
	ToNode   uint32 `json:"to_node" yaml:"to_node"`
	ToPipe   uint32 `json:"to_pipe" yaml:"to_pipe"`
	TypeExpr string `json:"type_expr" yaml:"type_expr"`
}

// BoundaryConfig names the node+pipe an external request pipe binds to.
type BoundaryConfig struct {
	Node uint32 `json:"node" yaml:"node"`
	Pipe uint32 `json:"pipe" yaml:"pipe"`
}

// Validate checks the structural minimum a graph needs before Build is
// attempted: at least one node, and every edge/boundary referencing a
// node id that was actually declared.
func (gc *GraphConfig) Validate() error {
	if gc.Name == "" {
		return fmt.Errorf("graph name is required")
	}
	if len(gc.Nodes) == 0 {
		return fmt.Errorf("graph %s: at least one node is required", gc.Name)
	}

	seen := make(map[uint32]bool, len(gc.Nodes))
	for i, n := range gc.Nodes {
		if n.Type == "" {
			return fmt.Errorf("graph %s: node[%d]: type is required", gc.Name, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("graph %s: duplicate node id %d", gc.Name, n.ID)
		}
		seen[n.ID] = true
	}

	for i, e := range gc.Edges {
		if !seen[e.FromNode] {
			return fmt.Errorf("graph %s: edge[%d]: from_node %d is not declared", gc.Name, i, e.FromNode)
		}
		if !seen[e.ToNode] {
			return fmt.Errorf("graph %s: edge[%d]: to_node %d is not declared", gc.Name, i, e.ToNode)
		}
	}

	if !seen[gc.Input.Node] {
		return fmt.Errorf("graph %s: input boundary node %d is not declared", gc.Name, gc.Input.Node)
	}
	if !seen[gc.Output.Node] {
		return fmt.Errorf("graph %s: output boundary node %d is not declared", gc.Name, gc.Output.Node)
	}

	return nil
}

// ParseGraphConfig parses a graph wiring config from JSON.
func ParseGraphConfig(data []byte) (*GraphConfig, error) {
	var gc GraphConfig
	if err := json.Unmarshal(data, &gc); err != nil {
		return nil, fmt.Errorf("failed to parse graph config: %w", err)
	}
	if err := gc.Validate(); err != nil {
		return nil, err
	}
	return &gc, nil
}

// ParseGraphConfigAuto detects format (JSON/YAML) based on filename's
// extension and parses the graph wiring config accordingly, mirroring
// the teacher's ParseTaskConfigAuto dual-format convention.
func ParseGraphConfigAuto(data []byte, filename string) (*GraphConfig, error) {
	var gc GraphConfig

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &gc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML graph config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &gc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON graph config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &gc); err != nil {
			if err2 := yaml.Unmarshal(data, &gc); err2 != nil {
				return nil, fmt.Errorf("failed to parse graph config (tried JSON and YAML): JSON: %v; YAML: %v", err, err2)
			}
		}
	}

	if err := gc.Validate(); err != nil {
		return nil, err
	}

	return &gc, nil
}

// Build assembles the graph.Service this config describes, running each
// node's servlet factory and Init, then type inference is left to the
// caller (it needs a catalogue, which this package has no opinion on).
func (gc *GraphConfig) Build() (*graph.Service, error) {
	b := graph.NewBuilder(gc.Name)
	for _, n := range gc.Nodes {
		b.AddNode(graph.NodeID(n.ID), n.Type, n.Argv)
	}
	for _, e := range gc.Edges {
		b.AddEdge(
			graph.NodeID(e.FromNode), servlet.PipeID(e.FromPipe),
			graph.NodeID(e.ToNode), servlet.PipeID(e.ToPipe),
			e.TypeExpr,
		)
	}
	b.SetInputBoundary(graph.NodeID(gc.Input.Node), servlet.PipeID(gc.Input.Pipe))
	b.SetOutputBoundary(graph.NodeID(gc.Output.Node), servlet.PipeID(gc.Output.Pipe))

	svc, err := b.Build()
	if err != nil {
		return nil, err
	}
	svc.PropagateNullToShadows = gc.PropagateNullToShadows
	return svc, nil
}

// DecodeArgv decodes a node's generic argv map into a typed struct via
// mapstructure, mirroring the teacher's plugin-config decode pattern for
// servlets that want a struct instead of indexing the map by hand.
func DecodeArgv(argv map[string]any, out any) error {
	return mapstructure.Decode(argv, out)
}

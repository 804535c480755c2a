// Package graph implements the service graph (C4): an immutable DAG of
// servlet-instance nodes connected by typed pipe edges, plus the input
// and output boundary endpoints an external module's request binds to.
package graph

import (
	"fmt"

	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/pkg/servlet"
)

// NodeID identifies a node within one Service.
type NodeID uint32

// Node is a servlet instance plus its per-node argv. Instance and PDT
// are populated by Builder.Build after the servlet factory runs and
// Init succeeds.
type Node struct {
	ID       NodeID
	Type     string
	Argv     map[string]any
	Instance servlet.Servlet
	PDT      *servlet.PDT
}

// Boundary names the node and pipe id an external module's request pipe
// binds to.
type Boundary struct {
	Node NodeID
	Pipe servlet.PipeID
}

// Edge connects one node's output pipe to another node's input pipe.
// TypeExpr is the destination type expression passed to AddEdge;
// ResolvedType/HeaderSize/OutputFlags/InputFlags are filled in by
// internal/typeinfer.Infer, which callers run on the service Builder.Build
// returns, and are read-only to every other package afterward.
type Edge struct {
	SourceNode NodeID
	SourcePipe servlet.PipeID
	DestNode   NodeID
	DestPipe   servlet.PipeID
	TypeExpr   string

	ResolvedType string
	HeaderSize   uint32
	OutputFlags  pipeflag.Flags
	InputFlags   pipeflag.Flags
}

// Service is an immutable, constructed graph: read-only and shared
// across every request that flows through it.
type Service struct {
	Name                   string
	Nodes                  []Node
	Edges                  []Edge
	Input                  Boundary
	Output                 Boundary
	PropagateNullToShadows bool

	nodeIndex      map[NodeID]int
	outEdgesByNode map[NodeID][]int
}

// Node returns the node with the given id.
func (s *Service) Node(id NodeID) (*Node, bool) {
	idx, ok := s.nodeIndex[id]
	if !ok {
		return nil, false
	}
	return &s.Nodes[idx], true
}

// OutgoingEdges returns the edges leaving node id, in declaration order.
func (s *Service) OutgoingEdges(id NodeID) []Edge {
	idxs := s.outEdgesByNode[id]
	edges := make([]Edge, len(idxs))
	for i, ei := range idxs {
		edges[i] = s.Edges[ei]
	}
	return edges
}

func (s *Service) buildIndices() {
	s.nodeIndex = make(map[NodeID]int, len(s.Nodes))
	for i, n := range s.Nodes {
		s.nodeIndex[n.ID] = i
	}
	s.outEdgesByNode = make(map[NodeID][]int, len(s.Nodes))
	for i, e := range s.Edges {
		s.outEdgesByNode[e.SourceNode] = append(s.outEdgesByNode[e.SourceNode], i)
	}
}

// Builder assembles a Service node by node and edge by edge, following
// the teacher's fluent pipeline-builder idiom (internal/pipeline/builder.go),
// generalized here from "stage list" to "graph node/edge list".
type Builder struct {
	name  string
	nodes []Node
	edges []Edge
	in    Boundary
	out   Boundary
	err   error
}

// NewBuilder starts a new graph builder for a service named name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddNode instantiates the named servlet type, runs Init with argv, and
// appends it as a graph node with the given id.
func (b *Builder) AddNode(id NodeID, servletType string, argv map[string]any) *Builder {
	if b.err != nil {
		return b
	}
	factory, err := servlet.Lookup(servletType)
	if err != nil {
		b.err = fmt.Errorf("graph %s: node %d: %w", b.name, id, err)
		return b
	}
	inst := factory()
	if err := inst.Init(argv); err != nil {
		b.err = fmt.Errorf("graph %s: node %d: init %s: %w", b.name, id, servletType, err)
		return b
	}
	b.nodes = append(b.nodes, Node{
		ID:       id,
		Type:     servletType,
		Argv:     argv,
		Instance: inst,
		PDT:      inst.PDT(),
	})
	return b
}

// AddEdge appends an edge from (srcNode, srcPipe) to (dstNode, dstPipe),
// with the destination's declared type expression.
func (b *Builder) AddEdge(srcNode NodeID, srcPipe servlet.PipeID, dstNode NodeID, dstPipe servlet.PipeID, typeExpr string) *Builder {
	if b.err != nil {
		return b
	}
	b.edges = append(b.edges, Edge{
		SourceNode: srcNode,
		SourcePipe: srcPipe,
		DestNode:   dstNode,
		DestPipe:   dstPipe,
		TypeExpr:   typeExpr,
	})
	return b
}

// SetInputBoundary designates the node+pipe that accepts the external
// request's input pipe.
func (b *Builder) SetInputBoundary(node NodeID, pipe servlet.PipeID) *Builder {
	b.in = Boundary{Node: node, Pipe: pipe}
	return b
}

// SetOutputBoundary designates the node+pipe that produces the external
// request's output pipe.
func (b *Builder) SetOutputBoundary(node NodeID, pipe servlet.PipeID) *Builder {
	b.out = Boundary{Node: node, Pipe: pipe}
	return b
}

// Build finalizes the service. Type inference and critical-cluster
// analysis are run separately (internal/typeinfer.Infer, internal/cluster.Analyze)
// since both need the fully-assembled Service as input; Build only does
// structural assembly and servlet instantiation.
func (b *Builder) Build() (*Service, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("graph %s: no nodes", b.name)
	}
	svc := &Service{
		Name:   b.name,
		Nodes:  b.nodes,
		Edges:  b.edges,
		Input:  b.in,
		Output: b.out,
	}
	svc.buildIndices()
	return svc, nil
}

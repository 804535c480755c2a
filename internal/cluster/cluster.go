// Package cluster implements the critical-cluster analyzer (C6): for each
// node in a service graph, the set of edges that must be cancelled
// atomically if that node's outputs are cancelled, precomputed once at
// graph-build time so the step engine never walks the graph at run time.
package cluster

import "firestige.xyz/plumber/internal/graph"

// Info is the precomputed critical-cluster boundary for one node.
type Info struct {
	// BoundaryEdges are the edges that must be cancelled, in the same
	// atomic step, when the owning node's outputs cancel.
	BoundaryEdges []graph.Edge
	// OutputInCluster reports whether the service's output boundary node
	// is reachable through this node's cascading cancellation, i.e.
	// cancelling the owning node also kills the request's output task.
	OutputInCluster bool
}

// Analyze computes the critical-cluster boundary for every node in svc.
// A node N's boundary starts with N's own outgoing edges; an edge into a
// downstream node M cascades further only when N is M's sole incoming
// edge, since only then is M's own cancellation (required == cancelled)
// guaranteed by N cancelling. This mirrors spec.md §4.4's "minimal set of
// edges that together carry all observable effects of N".
func Analyze(svc *graph.Service) map[graph.NodeID]Info {
	indeg := make(map[graph.NodeID]int, len(svc.Nodes))
	for _, n := range svc.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range svc.Edges {
		indeg[e.DestNode]++
	}

	result := make(map[graph.NodeID]Info, len(svc.Nodes))
	for _, n := range svc.Nodes {
		result[n.ID] = analyzeNode(svc, n.ID, indeg)
	}
	return result
}

func analyzeNode(svc *graph.Service, start graph.NodeID, indeg map[graph.NodeID]int) Info {
	var info Info
	visitedNodes := map[graph.NodeID]bool{start: true}
	queue := []graph.NodeID{start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range svc.OutgoingEdges(cur) {
			info.BoundaryEdges = append(info.BoundaryEdges, e)
			// Only cascade into the destination when this edge is its
			// sole producer: any other incoming edge could still satisfy
			// the destination's required count, so its own cancellation
			// isn't guaranteed.
			if indeg[e.DestNode] == 1 && !visitedNodes[e.DestNode] {
				visitedNodes[e.DestNode] = true
				queue = append(queue, e.DestNode)
				if e.DestNode == svc.Output.Node {
					info.OutputInCluster = true
				}
			}
		}
	}
	return info
}

package typeinfer

import (
	"fmt"
	"strings"

	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/pkg/servlet"
)

// solveCEs walks sourceTokens (the already-resolved type of the upstream
// pipe, split into positions) against destTokens (the parsed declared type
// expression of the downstream pipe) and returns the resolved token
// sequence, mutating env with any variable bindings made along the way.
// Fails with ErrTypeError when a concrete position can't convert, an
// alternation matches nothing, or the source runs out of positions before
// the destination does.
func solveCEs(cat *Catalogue, e *env, sourceTokens []string, destTokens []token) ([]string, error) {
	resolved := make([]string, 0, len(destTokens))
	for i, dt := range destTokens {
		if dt.kind == kindVar && dt.trailing {
			if i >= len(sourceTokens) {
				return nil, fmt.Errorf("typeinfer: trailing $%s has no source tokens to capture: %w", dt.name, perr.ErrTypeError)
			}
			tail := strings.Join(sourceTokens[i:], " ")
			bound, err := e.bind(cat, dt.name, tail)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, bound)
			return resolved, nil
		}

		if i >= len(sourceTokens) {
			return nil, fmt.Errorf("typeinfer: not enough source positions for %q: %w", dt.name, perr.ErrTypeError)
		}
		src := sourceTokens[i]

		switch dt.kind {
		case kindConcrete:
			if !cat.IsSubtype(src, dt.name) {
				return nil, fmt.Errorf("typeinfer: %s is not convertible to %s: %w", src, dt.name, perr.ErrTypeError)
			}
			resolved = append(resolved, dt.name)

		case kindAlt:
			matched := ""
			for _, a := range dt.alts {
				if cat.IsSubtype(src, a) {
					matched = a
					break
				}
			}
			if matched == "" {
				return nil, fmt.Errorf("typeinfer: %s converts to none of %v: %w", src, dt.alts, perr.ErrTypeError)
			}
			resolved = append(resolved, matched)

		case kindVar:
			typ := src
			if dt.field != "" {
				var err error
				typ, err = fieldType(cat, src, dt.field)
				if err != nil {
					return nil, fmt.Errorf("typeinfer: %s has no field %q: %w", src, dt.field, perr.ErrTypeError)
				}
			}
			bound, err := e.bind(cat, dt.name, typ)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, bound)
		}
	}

	if len(sourceTokens) > len(destTokens) {
		return nil, fmt.Errorf("typeinfer: %d unconsumed source position(s): %w", len(sourceTokens)-len(destTokens), perr.ErrTypeError)
	}
	return resolved, nil
}

// renderType joins a resolved token sequence back into the single type
// string stored on graph.Edge.ResolvedType.
func renderType(resolved []string) string {
	return strings.Join(resolved, " ")
}

// primaryType returns the nominal type used for catalogue header-size
// lookups: the first resolved position. A resolved sequence of more than
// one token represents a structured type whose header size is carried by
// its leading (nominal) type, matching how the built-in servlets and the
// catalogue are seeded.
func primaryType(resolved []string) string {
	if len(resolved) == 0 {
		return ""
	}
	// A trailing variable binds the whole remaining tail as one
	// space-joined position; its nominal type is the first token.
	if f := strings.Fields(resolved[0]); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Infer runs type inference over the whole service, in topological order
// starting from the input boundary node, per spec.md §4.3. On success every
// edge's ResolvedType, HeaderSize, OutputFlags and InputFlags are filled in.
func Infer(svc *graph.Service, cat *Catalogue) error {
	order, err := topoOrder(svc)
	if err != nil {
		return err
	}

	// Resolved type of each (node, pipe) output, keyed for downstream edges.
	outputType := make(map[pipeKey]string)

	for _, nid := range order {
		node, ok := svc.Node(nid)
		if !ok {
			return fmt.Errorf("typeinfer: unknown node %d: %w", nid, perr.ErrInvalidArg)
		}
		// One env per node: accumulates variable bindings across all of its
		// incoming edges before its own output types are rendered.
		e := newEnv()

		for ei := range svc.Edges {
			edge := &svc.Edges[ei]
			if edge.DestNode != nid {
				continue
			}

			srcType, ok := outputType[pipeKey{edge.SourceNode, edge.SourcePipe}]
			if !ok {
				srcType = boundarySourceType(svc, edge)
			}
			sourceTokens := strings.Fields(srcType)
			if len(sourceTokens) == 0 {
				return fmt.Errorf("typeinfer: node %d pipe %d: no resolved source type: %w", edge.SourceNode, edge.SourcePipe, perr.ErrTypeError)
			}

			destTokens, err := parseExpr(edge.TypeExpr)
			if err != nil {
				return err
			}
			resolved, err := solveCEs(cat, e, sourceTokens, destTokens)
			if err != nil {
				return fmt.Errorf("typeinfer: edge %d.%d -> %d.%d: %w", edge.SourceNode, edge.SourcePipe, edge.DestNode, edge.DestPipe, err)
			}

			edge.ResolvedType = renderType(resolved)
			size, ok := cat.Size(primaryType(resolved))
			if !ok {
				return fmt.Errorf("typeinfer: unregistered type %q: %w", primaryType(resolved), perr.ErrTypeError)
			}
			edge.HeaderSize = size
			srcNode, ok := svc.Node(edge.SourceNode)
			if !ok {
				return fmt.Errorf("typeinfer: unknown node %d: %w", edge.SourceNode, perr.ErrInvalidArg)
			}
			edge.OutputFlags = pipeFlagsFor(srcNode, edge.SourcePipe, pipeflag.Output)
			edge.InputFlags = pipeFlagsFor(node, edge.DestPipe, pipeflag.Input)
		}

		// Render this node's own declared output pipe types using the
		// bindings just solved, so downstream edges from this node see a
		// concrete (or still-variable-free) type.
		if node.PDT != nil {
			for _, pd := range node.PDT.Pipes {
				if pd.Input {
					continue
				}
				toks, err := parseExpr(pd.TypeExpr)
				if err != nil {
					return err
				}
				rendered := renderDeclaredOutput(toks, e)
				outputType[pipeKey{nid, pd.ID}] = rendered
			}
		}
	}
	return nil
}

type pipeKey struct {
	node graph.NodeID
	pipe servlet.PipeID
}

// renderDeclaredOutput substitutes any variable token with its bound type
// from env, leaving concrete/alt tokens as their literal names; a variable
// never bound by an incoming edge (e.g. a source-only node) falls back to
// its own name, which is a programmer error surfaced later by a failed
// catalogue lookup downstream rather than here.
func renderDeclaredOutput(toks []token, e *env) string {
	parts := make([]string, 0, len(toks))
	for _, t := range toks {
		switch t.kind {
		case kindConcrete:
			parts = append(parts, t.name)
		case kindAlt:
			parts = append(parts, strings.Join(t.alts, "|"))
		case kindVar:
			if bound, ok := e.get(t.name); ok {
				parts = append(parts, bound)
			} else {
				parts = append(parts, t.name)
			}
		}
	}
	return strings.Join(parts, " ")
}

// boundarySourceType resolves the type of an edge whose source node has no
// upstream edges of its own (the service's input boundary node): its
// declared PDT output type expression, with no variables to substitute.
func boundarySourceType(svc *graph.Service, edge *graph.Edge) string {
	node, ok := svc.Node(edge.SourceNode)
	if !ok || node.PDT == nil {
		return ""
	}
	for _, pd := range node.PDT.Pipes {
		if pd.ID == edge.SourcePipe {
			return pd.TypeExpr
		}
	}
	return ""
}

// pipeFlagsFor returns the direction-tagged flags word for a declared pipe,
// merging the servlet's own declared flags with the given direction bit.
func pipeFlagsFor(node *graph.Node, id servlet.PipeID, dir pipeflag.Flags) pipeflag.Flags {
	if node.PDT == nil {
		return dir
	}
	for _, pd := range node.PDT.Pipes {
		if pd.ID == id {
			return pd.Flags | dir
		}
	}
	return dir
}

// topoOrder returns node ids in an order where every edge's source precedes
// its destination, starting from the input boundary node. Fails with
// ErrTypeError if the graph isn't a DAG (a cycle would make "resolved
// in topological order" impossible to satisfy).
func topoOrder(svc *graph.Service) ([]graph.NodeID, error) {
	indeg := make(map[graph.NodeID]int, len(svc.Nodes))
	for _, n := range svc.Nodes {
		indeg[n.ID] = 0
	}
	for _, e := range svc.Edges {
		indeg[e.DestNode]++
	}

	queue := make([]graph.NodeID, 0, len(svc.Nodes))
	// Seed with the input boundary first (stable iteration), then any other
	// zero-indegree node in declaration order.
	seen := make(map[graph.NodeID]bool)
	if indeg[svc.Input.Node] == 0 {
		queue = append(queue, svc.Input.Node)
		seen[svc.Input.Node] = true
	}
	for _, n := range svc.Nodes {
		if indeg[n.ID] == 0 && !seen[n.ID] {
			queue = append(queue, n.ID)
			seen[n.ID] = true
		}
	}

	order := make([]graph.NodeID, 0, len(svc.Nodes))
	for len(queue) > 0 {
		nid := queue[0]
		queue = queue[1:]
		order = append(order, nid)
		for _, e := range svc.OutgoingEdges(nid) {
			indeg[e.DestNode]--
			if indeg[e.DestNode] == 0 {
				queue = append(queue, e.DestNode)
			}
		}
	}

	if len(order) != len(svc.Nodes) {
		return nil, fmt.Errorf("typeinfer: graph has a cycle: %w", perr.ErrTypeError)
	}
	return order, nil
}

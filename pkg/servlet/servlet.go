// Package servlet defines the servlet contract (C17 registry consumer):
// a unit of computation with init/exec/unload hooks, plus the pipe
// descriptor table (PDT) the scheduler uses to resolve pipe ids by name.
//
// The scheduler core treats a Servlet as a black box: it never inspects
// a servlet beyond its PDT and these three calls.
package servlet

import (
	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/internal/rscope"
)

// PipeID identifies a pipe within one servlet's PDT.
type PipeID uint32

// PipeDesc names one pipe a servlet declares, with its declared type
// expression (parsed and resolved by internal/typeinfer at graph-build
// time).
type PipeDesc struct {
	ID       PipeID
	Name     string
	TypeExpr string
	Input    bool
	Flags    pipeflag.Flags
}

// PDT is a servlet's pipe descriptor table: the fixed list of pipes it
// declares, plus the two reserved sentinel outputs every servlet gets
// for free.
type PDT struct {
	Pipes     []PipeDesc
	NullPipe  PipeID
	ErrorPipe PipeID
}

// Lookup resolves a declared pipe by name.
func (p *PDT) Lookup(name string) (PipeDesc, bool) {
	for _, d := range p.Pipes {
		if d.Name == name {
			return d, true
		}
	}
	return PipeDesc{}, false
}

// ExecContext is what the step engine hands a servlet's Exec call: the
// request's scope, and the resolved handle for each of this node's pipe
// ids (both directions, keyed by the node-local PipeID).
type ExecContext struct {
	Scope *rscope.RequestScope
	pipes map[PipeID]*handle.Handle
}

// NewExecContext builds an ExecContext over the given pipe bindings.
func NewExecContext(scope *rscope.RequestScope, pipes map[PipeID]*handle.Handle) *ExecContext {
	return &ExecContext{Scope: scope, pipes: pipes}
}

// Pipe returns the handle bound to pid, or nil if none is bound (e.g. an
// optional input that was never connected).
func (c *ExecContext) Pipe(pid PipeID) *handle.Handle {
	return c.pipes[pid]
}

// Servlet is the contract every graph node's computation implements.
// Instances are immutable after Init; the scheduler never calls Init
// twice on the same instance.
type Servlet interface {
	PDT() *PDT
	Init(argv map[string]any) error
	Exec(ctx *ExecContext) error
	Unload() error
}

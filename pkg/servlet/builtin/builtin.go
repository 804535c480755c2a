// Package builtin provides the stock servlet types every Plumber
// deployment links in by default: a byte-for-byte relay, a relay that
// also exposes a shadow output, and a servlet that always fails, used
// to exercise cancellation propagation without a real transport module.
// Importing this package for its side effect registers all three under
// the servlet registry (C17).
package builtin

import (
	"fmt"

	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/pkg/servlet"
)

const (
	echoIn  servlet.PipeID = 0
	echoOut servlet.PipeID = 1

	sentinelNull  servlet.PipeID = 90
	sentinelError servlet.PipeID = 91
)

func init() {
	servlet.RegisterType("plumber/echo", func() servlet.Servlet { return newEcho() })
	servlet.RegisterType("plumber/fanout", func() servlet.Servlet { return newFanout() })
	servlet.RegisterType("plumber/fail", func() servlet.Servlet { return newFail() })
}

// copyAll drains src into write until src reports no further bytes, the
// same read-to-exhaustion loop every reference module's Base.Read
// leaves a servlet to do for itself.
func copyAll(src *handle.Handle, write func([]byte) (int, error)) error {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// echo copies its input pipe to its output pipe unchanged. It is the
// graph's simplest possible node: one required input, one produced
// output, nothing else.
type echo struct {
	pdt       *servlet.PDT
	disableIn bool
}

func newEcho() *echo {
	return &echo{pdt: &servlet.PDT{
		Pipes: []servlet.PipeDesc{
			{ID: echoIn, Name: "in", Input: true, TypeExpr: "$t"},
			{ID: echoOut, Name: "out", Input: false, TypeExpr: "$t"},
		},
		NullPipe:  sentinelNull,
		ErrorPipe: sentinelError,
	}}
}

func (s *echo) PDT() *servlet.PDT { return s.pdt }

// Init accepts an optional "disable_in" bool used by tests to mark this
// node's own input pipe disabled, so an upstream edge targeting it is
// treated as cancelled per SPEC_FULL.md's disabled-pipe invariant
// (internal/step.materializeOutgoing cancels the bound handle before
// the downstream task sees it).
func (s *echo) Init(argv map[string]any) error {
	if v, ok := argv["disable_in"]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("plumber/echo: disable_in must be bool")
		}
		s.disableIn = b
	}
	if s.disableIn {
		for i := range s.pdt.Pipes {
			if s.pdt.Pipes[i].ID == echoIn {
				s.pdt.Pipes[i].Flags |= pipeflag.Disabled
			}
		}
	}
	return nil
}

func (s *echo) Exec(ctx *servlet.ExecContext) error {
	in := ctx.Pipe(echoIn)
	out := ctx.Pipe(echoOut)
	if in == nil || out == nil {
		return nil
	}
	return copyAll(in, out.Write)
}

func (s *echo) Unload() error { return nil }

const (
	fanoutIn     servlet.PipeID = 0
	fanoutOut    servlet.PipeID = 1
	fanoutShadow servlet.PipeID = 2
)

// fanout behaves exactly like echo on its primary output, but also
// declares a second output pipe flagged as a shadow of the first, so a
// graph can route the same byte stream to two downstream nodes without
// the servlet itself knowing or caring: the shadow fork happens in
// internal/step.materializeOutgoing before Exec ever runs.
type fanout struct {
	pdt *servlet.PDT
}

func newFanout() *fanout {
	return &fanout{pdt: &servlet.PDT{
		Pipes: []servlet.PipeDesc{
			{ID: fanoutIn, Name: "in", Input: true, TypeExpr: "$t"},
			{ID: fanoutOut, Name: "out", Input: false, TypeExpr: "$t"},
			{
				ID:       fanoutShadow,
				Name:     "shadow",
				Input:    false,
				TypeExpr: "$t",
				Flags:    pipeflag.WithTarget(pipeflag.Shadow, uint16(fanoutOut)),
			},
		},
		NullPipe:  sentinelNull,
		ErrorPipe: sentinelError,
	}}
}

func (s *fanout) PDT() *servlet.PDT         { return s.pdt }
func (s *fanout) Init(map[string]any) error { return nil }

func (s *fanout) Exec(ctx *servlet.ExecContext) error {
	in := ctx.Pipe(fanoutIn)
	out := ctx.Pipe(fanoutOut)
	if in == nil || out == nil {
		return nil
	}
	return copyAll(in, out.Write)
}

func (s *fanout) Unload() error { return nil }

const (
	failIn servlet.PipeID = 0
)

// fail always fails its Exec call, the servlet standing in for a
// downstream dependency breaking so graphs can be tested for correct
// cancellation-cluster propagation without a real failure-prone module.
type fail struct {
	pdt     *servlet.PDT
	message string
}

func newFail() *fail {
	return &fail{
		message: "plumber/fail: forced failure",
		pdt: &servlet.PDT{
			Pipes: []servlet.PipeDesc{
				{ID: failIn, Name: "in", Input: true, TypeExpr: "$t"},
			},
			NullPipe:  sentinelNull,
			ErrorPipe: sentinelError,
		},
	}
}

func (s *fail) PDT() *servlet.PDT { return s.pdt }

func (s *fail) Init(argv map[string]any) error {
	if v, ok := argv["message"]; ok {
		m, ok := v.(string)
		if !ok {
			return fmt.Errorf("plumber/fail: message must be string")
		}
		s.message = m
	}
	return nil
}

func (s *fail) Exec(*servlet.ExecContext) error {
	return fmt.Errorf("%s", s.message)
}

func (s *fail) Unload() error { return nil }

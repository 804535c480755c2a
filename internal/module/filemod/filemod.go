// Package filemod implements a batch reference module: each line of an
// input file becomes one boundary request, in order, until the file is
// exhausted.
package filemod

import (
	"bufio"
	"context"
	"io"

	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
)

// Module reads line-delimited boundary requests from a single reader.
type Module struct {
	module.Base

	headerSize uint32
	scanner    *bufio.Scanner
	exhausted  bool
}

// New creates a filemod module reading from r. r is scanned lazily, one
// line per Accept call.
func New(id module.ModuleID, r io.Reader, headerSize uint32) *Module {
	return &Module{
		Base:       module.Base{ID: id},
		headerSize: headerSize,
		scanner:    bufio.NewScanner(r),
	}
}

func (m *Module) Init(args []string) error { return nil }
func (m *Module) Cleanup() error           { return nil }

func (m *Module) Flags() module.Flags {
	f := module.EventLoop
	if m.exhausted {
		f |= module.EventExhausted
	}
	return f
}

func (m *Module) Accept(ctx context.Context, param module.AcceptParam) (in, out *handle.Handle, err error) {
	if m.exhausted {
		return nil, nil, perr.ErrShutdown
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}
	if !m.scanner.Scan() {
		m.exhausted = true
		return nil, nil, perr.ErrShutdown
	}
	line := append([]byte(nil), m.scanner.Bytes()...)
	in = handle.New(m.ID, pipeflag.Input, m.headerSize)
	if _, werr := in.Write(line); werr != nil {
		return nil, nil, werr
	}
	out = handle.New(m.ID, pipeflag.Output, m.headerSize)
	return in, out, nil
}

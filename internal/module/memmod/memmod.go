// Package memmod implements an in-process reference module: boundary
// requests are pushed directly by the caller (tests, or the CLI's
// "graph run" command) rather than arriving over a real transport.
package memmod

import (
	"context"

	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
)

// Module is the in-memory boundary-request queue module. Submit pushes
// one request's worth of input bytes; Accept blocks until Submit is
// called or the module is closed.
type Module struct {
	module.Base

	headerSize uint32
	queue      chan []byte
	closed     chan struct{}
}

// New creates a memmod module. headerSize is the boundary pipe's typed
// header size (0 for untyped boundaries).
func New(id module.ModuleID, headerSize uint32, queueDepth int) *Module {
	return &Module{
		Base:       module.Base{ID: id},
		headerSize: headerSize,
		queue:      make(chan []byte, queueDepth),
		closed:     make(chan struct{}),
	}
}

func (m *Module) Init(args []string) error { return nil }

func (m *Module) Cleanup() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

func (m *Module) Flags() module.Flags { return module.EventLoop }

// Submit enqueues a boundary request's input payload. Blocks if the
// queue is at capacity, mirroring a module's own event source applying
// backpressure upstream of the scheduler's event queue (C10).
func (m *Module) Submit(ctx context.Context, payload []byte) error {
	select {
	case m.queue <- payload:
		return nil
	case <-m.closed:
		return perr.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept blocks until a boundary request is submitted, returning the
// input handle (pre-loaded with payload) and a fresh output handle the
// requester will eventually read a response from.
func (m *Module) Accept(ctx context.Context, param module.AcceptParam) (in, out *handle.Handle, err error) {
	select {
	case payload, ok := <-m.queue:
		if !ok {
			return nil, nil, perr.ErrShutdown
		}
		in = handle.New(m.ID, pipeflag.Input, m.headerSize)
		if _, werr := in.Write(payload); werr != nil {
			return nil, nil, werr
		}
		out = handle.New(m.ID, pipeflag.Output, m.headerSize)
		return in, out, nil
	case <-m.closed:
		return nil, nil, perr.ErrShutdown
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Output drains the response bytes written to a boundary output handle
// returned by Accept, once the request has finished running.
func (m *Module) Output(out *handle.Handle) []byte {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, _ := out.Read(chunk)
		if n == 0 {
			return buf
		}
		buf = append(buf, chunk[:n]...)
	}
}

// Package handle implements the pipe handle and ownership model (C3):
// an opaque per-pipe value owned by exactly one task at a time, created
// by allocate/fork/accept and destroyed by deallocate.
package handle

import (
	"io"
	"sync"

	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/internal/pool"
)

// handlePool recycles *Handle structs across allocate/deallocate cycles
// instead of letting each pipe pair churn the GC, per SPEC_FULL.md §5's
// pool policy.
var handlePool = pool.New(func() *Handle { return &Handle{} })

// ModuleID identifies the module a handle's body I/O is backed by.
type ModuleID uint32

// Owner is the back-pointer a handle can carry to the task that owns it.
// handle itself only stores and swaps the pointer, so setting it is a
// single field overwrite, per SPEC_FULL.md's cyclic-reference design
// note — it is deliberately untyped to avoid an import cycle between
// internal/handle and internal/task. internal/task does not set it: a
// handle's owning task is the one whose Pipes map holds it, and Owner
// stays nil on handles bound through the task table.
type Owner any

// Handle is a pipe endpoint: header region, body stream, and the flags
// word that governs both. A single goroutine (the scheduler, or the
// module goroutine while constructing a boundary pair) touches a given
// handle at a time; the mutex only guards the rare cross-goroutine
// window between a module's accept() and the scheduler binding the
// handle into a task.
type Handle struct {
	mu sync.Mutex

	Module ModuleID
	Flags  pipeflag.Flags

	header    []byte
	headerOff int // write cursor into header while filling it
	headerRd  int // read cursor into header while draining it

	body bodyBuf

	err       bool
	touched   bool
	cancelled bool

	owner Owner

	// shadowOf is non-nil for a shadow handle: reads are served from the
	// target's body rather than from this handle's own (nonexistent)
	// stream.
	shadowOf *Handle
}

// New creates a handle with the given flags and a fixed-size header
// region. headerSize may be zero for untyped pipes. The handle struct
// itself is drawn from the shared pool rather than freshly allocated
// when one is available for reuse.
func New(module ModuleID, flags pipeflag.Flags, headerSize uint32) *Handle {
	h := handlePool.Get()
	h.reset(module, flags, headerSize)
	return h
}

// Fork creates a shadow input handle observing h's body stream. The
// returned handle carries its own independent flags word (so Disabled
// can be toggled per fork without affecting the target or other forks)
// but never owns body bytes of its own.
func (h *Handle) Fork(flags pipeflag.Flags, headerSize uint32) *Handle {
	fork := handlePool.Get()
	fork.reset(h.Module, flags|pipeflag.Shadow, headerSize)
	fork.shadowOf = h
	return fork
}

// reset clears h to a freshly-allocated-looking state so it can be
// handed out again by New/Fork after a round trip through the pool.
func (h *Handle) reset(module ModuleID, flags pipeflag.Flags, headerSize uint32) {
	h.mu = sync.Mutex{}
	h.Module = module
	h.Flags = flags
	if cap(h.header) < int(headerSize) {
		h.header = make([]byte, headerSize)
	} else {
		h.header = h.header[:headerSize]
		for i := range h.header {
			h.header[i] = 0
		}
	}
	h.headerOff = 0
	h.headerRd = 0
	h.body = bodyBuf{}
	h.err = false
	h.touched = false
	h.cancelled = false
	h.owner = nil
	h.shadowOf = nil
}

// Release returns h to the shared pool for reuse by a future New/Fork
// call. Callers must not touch h after calling Release.
func Release(h *Handle) {
	if h != nil {
		handlePool.Put(h)
	}
}

// SetOwner overwrites the owning task back-pointer. internal/task does not
// call it; ownership moves between tasks when a task table operation binds
// the handle into another task's Pipes map.
func (h *Handle) SetOwner(o Owner) {
	h.mu.Lock()
	h.owner = o
	h.mu.Unlock()
}

// Owner returns the current owning task back-pointer.
func (h *Handle) Owner() Owner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// WriteHeader writes into the fixed header region starting at the
// current header write cursor. Returns perr.ErrProtocolError if p would
// overflow the declared header size.
func (h *Handle) WriteHeader(p []byte) (int, error) {
	if h.headerOff+len(p) > len(h.header) {
		return 0, perr.ErrProtocolError
	}
	n := copy(h.header[h.headerOff:], p)
	h.headerOff += n
	return n, nil
}

// ReadHeader reads from the header region starting at the current
// header read cursor. Reading past the header end returns (0, io.EOF)
// so callers transparently fall through to Read for the body.
func (h *Handle) ReadHeader(p []byte) (int, error) {
	if h.headerRd >= len(h.header) {
		return 0, io.EOF
	}
	n := copy(p, h.header[h.headerRd:])
	h.headerRd += n
	return n, nil
}

// Write appends to the body stream. Forbidden on a shadow handle.
func (h *Handle) Write(p []byte) (int, error) {
	if pipeflag.IsShadow(h.Flags) {
		return 0, perr.ErrInvalidArg
	}
	n := h.body.write(p)
	if n > 0 {
		h.touched = true
	}
	return n, nil
}

// Read reads from the body stream at the reader's own cursor. A shadow
// handle reads from its target's body instead of its own (nonexistent)
// stream, each fork tracking an independent read cursor.
func (h *Handle) Read(p []byte) (int, error) {
	if h.shadowOf != nil {
		return h.body.readFrom(&h.shadowOf.body, p)
	}
	return h.body.read(p)
}

// Touched reports whether any body byte has ever been written to h itself
// (or h was force-marked by MarkTouched). Reading through a shadow fork
// marks neither the fork nor its target.
func (h *Handle) Touched() bool { return h.touched }

// MarkTouched force-marks the handle touched without writing data; used
// by the step engine to touch the __null__/__error__ sentinel pipes.
func (h *Handle) MarkTouched() { h.touched = true }

// SetError marks the handle's error flag.
func (h *Handle) SetError() { h.err = true }

// HasError reports the handle's error flag.
func (h *Handle) HasError() bool { return h.err }

// Cancel marks the handle cancelled.
func (h *Handle) Cancel() { h.cancelled = true }

// IsCancelled reports the handle's cancelled flag.
func (h *Handle) IsCancelled() bool { return h.cancelled }

// IsShadow reports whether this handle is a shadow fork of another.
func (h *Handle) IsShadow() bool { return h.shadowOf != nil }

// Target returns the handle this shadow observes, or nil for a
// non-shadow handle.
func (h *Handle) Target() *Handle { return h.shadowOf }

// bodyBuf is a minimal growable byte stream with an independent read
// cursor, standing in for the module-backed body I/O a real transport
// module would provide.
type bodyBuf struct {
	data   []byte
	readAt int
}

func (b *bodyBuf) write(p []byte) int {
	b.data = append(b.data, p...)
	return len(p)
}

func (b *bodyBuf) read(p []byte) (int, error) {
	if b.readAt >= len(b.data) {
		return 0, nil
	}
	n := copy(p, b.data[b.readAt:])
	b.readAt += n
	return n, nil
}

// readFrom reads from src (a target's body) using this reader's own
// cursor rather than src's, so multiple shadow forks can each read at
// their own pace.
func (b *bodyBuf) readFrom(src *bodyBuf, p []byte) (int, error) {
	if b.readAt >= len(src.data) {
		return 0, nil
	}
	n := copy(p, src.data[b.readAt:])
	b.readAt += n
	return n, nil
}

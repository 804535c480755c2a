// Package module defines the module interface (C2): the uniform contract
// an I/O or transport module exposes to the scheduler core, and the
// shared request/parameter types the scheduler and modules pass across
// that boundary.
package module

import (
	"context"

	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/pipeflag"
)

// Flags describes module-level capability bits, distinct from per-pipe
// Flags in internal/pipeflag.
type Flags uint32

const (
	// EventLoop marks a module whose Accept may block the calling
	// goroutine indefinitely waiting for the next boundary request.
	EventLoop Flags = 1 << 0
	// EventExhausted marks a module whose event source is drained and
	// will never produce another boundary request.
	EventExhausted Flags = 1 << 1
)

// ScopeToken mirrors internal/rscope's Token without importing that
// package, keeping C2 free of a dependency on C7.
type ScopeToken uint64

// CntlOp is a pipe cntl opcode. The upper 8 bits carry a module id (or
// 0xFF for a generic, module-independent opcode).
type CntlOp uint32

const (
	CntlGetFlags CntlOp = iota
	CntlSetFlag
	CntlClrFlag
	CntlEOM
	CntlPushState
	CntlPopState
	CntlInvoke
	CntlReadHdr
	CntlWriteHdr
	CntlNop
)

// EncodeModuleOpcode packs a module-specific opcode as (moduleID<<24)|op.
func EncodeModuleOpcode(moduleID uint8, op uint32) CntlOp {
	return CntlOp(uint32(moduleID)<<24 | op)
}

// AcceptParam carries module-specific accept-time parameters. Reference
// modules in this repository don't need any, but the field exists so the
// interface matches the full module ABI documented in SPEC_FULL.md §6.
type AcceptParam struct {
	Args map[string]any
}

// PipeParam carries the negotiated flags and header sizes an Allocate
// call needs to construct both ends of a fresh pipe pair.
type PipeParam struct {
	OutputFlags  pipeflag.Flags
	OutputHeader uint32
	InputFlags   pipeflag.Flags
	InputHeader  uint32
	Args         any
}

// DataSource is a byte-producing callback a module can drain directly
// into a pipe without an intermediate copy, mirroring the original's
// write_callback BIO path.
type DataSource func(buf []byte) (n int, eof bool, err error)

// DataRequest lets the BIO layer peel off a bounded prefix for
// small-write coalescing; MaxBytes of zero means "no limit".
type DataRequest struct {
	MaxBytes int
}

// Module is the uniform contract an I/O or transport module exposes to
// the scheduler. See SPEC_FULL.md §6 for the full ABI this mirrors.
type Module interface {
	Init(args []string) error
	Cleanup() error
	Flags() Flags

	// Accept blocks until a new boundary request arrives, or ctx is
	// done, returning the pipe handles forming the request's input and
	// output endpoints.
	Accept(ctx context.Context, param AcceptParam) (in, out *handle.Handle, err error)

	// Allocate creates a new intra-graph pipe pair with the given flags
	// and header sizes.
	Allocate(param PipeParam) (out, in *handle.Handle, err error)

	// Fork creates a shadow input observing src's body stream.
	Fork(src *handle.Handle, flags pipeflag.Flags, headerSize uint32) (*handle.Handle, error)

	Read(h *handle.Handle, buf []byte) (int, error)
	Write(h *handle.Handle, buf []byte) (int, error)
	WriteScopeToken(h *handle.Handle, tok ScopeToken, req DataRequest) error
	WriteCallback(h *handle.Handle, src DataSource, req DataRequest) error
	EOF(h *handle.Handle) (bool, error)
	Cntl(h *handle.Handle, opcode CntlOp, va ...any) error

	Deallocate(h *handle.Handle, hadError, purge bool) error
	EventThreadKilled()
}

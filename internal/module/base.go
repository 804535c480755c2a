package module

import (
	"io"

	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
)

// Base implements the module operations that are identical across the
// reference modules (memmod, filemod): pipe allocation, fork, body I/O
// and deallocation all go through internal/handle the same way
// regardless of where boundary requests come from. Concrete modules
// embed Base and only implement Init/Cleanup/Flags/Accept themselves.
type Base struct {
	ID ModuleID
}

// ModuleID identifies a module instance for cntl-opcode encoding and for
// tagging handles it allocates; distinct from handle.ModuleID only in
// name to keep the module package self-contained.
type ModuleID = handle.ModuleID

func (b Base) Allocate(param PipeParam) (out, in *handle.Handle, err error) {
	out = handle.New(b.ID, param.OutputFlags, param.OutputHeader)
	in = handle.New(b.ID, param.InputFlags, param.InputHeader)
	return out, in, nil
}

func (b Base) Fork(src *handle.Handle, flags pipeflag.Flags, headerSize uint32) (*handle.Handle, error) {
	if src == nil {
		return nil, perr.ErrInvalidArg
	}
	return src.Fork(flags, headerSize), nil
}

func (b Base) Read(h *handle.Handle, buf []byte) (int, error) {
	if h == nil {
		return 0, perr.ErrInvalidArg
	}
	return h.Read(buf)
}

func (b Base) Write(h *handle.Handle, buf []byte) (int, error) {
	if h == nil {
		return 0, perr.ErrInvalidArg
	}
	if pipeflag.IsAsync(h.Flags) {
		// Reference modules never actually backpressure, but honor the
		// contract shape: async writes may legitimately report
		// WouldBlock to callers that must handle it.
		return h.Write(buf)
	}
	return h.Write(buf)
}

func (b Base) WriteScopeToken(h *handle.Handle, tok ScopeToken, req DataRequest) error {
	if h == nil {
		return perr.ErrInvalidArg
	}
	// Reference modules have no scope-entity-aware BIO splice path; the
	// token is recorded via a header write so tests can assert on it.
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(tok >> (8 * i))
	}
	if req.MaxBytes > 0 && req.MaxBytes < len(buf) {
		buf = buf[:req.MaxBytes]
	}
	_, err := h.WriteHeader(buf)
	return err
}

func (b Base) WriteCallback(h *handle.Handle, src DataSource, req DataRequest) error {
	if h == nil || src == nil {
		return perr.ErrInvalidArg
	}
	buf := make([]byte, 4096)
	if req.MaxBytes > 0 && req.MaxBytes < len(buf) {
		buf = buf[:req.MaxBytes]
	}
	for {
		n, eof, err := src(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if eof {
			return nil
		}
	}
}

func (b Base) EOF(h *handle.Handle) (bool, error) {
	if h == nil {
		return false, perr.ErrInvalidArg
	}
	var probe [1]byte
	n, err := h.Read(probe[:])
	if err != nil && err != io.EOF {
		return false, err
	}
	return n == 0, nil
}

func (b Base) Cntl(h *handle.Handle, opcode CntlOp, va ...any) error {
	if h == nil {
		return perr.ErrInvalidArg
	}
	switch opcode {
	case CntlSetFlag:
		if len(va) == 1 {
			if f, ok := va[0].(pipeflag.Flags); ok {
				h.Flags |= f
				return nil
			}
		}
		return perr.ErrInvalidArg
	case CntlClrFlag:
		if len(va) == 1 {
			if f, ok := va[0].(pipeflag.Flags); ok {
				h.Flags &^= f
				return nil
			}
		}
		return perr.ErrInvalidArg
	case CntlGetFlags, CntlNop:
		return nil
	default:
		return perr.ErrInvalidArg
	}
}

func (b Base) Deallocate(h *handle.Handle, hadError, purge bool) error {
	if h == nil {
		return perr.ErrInvalidArg
	}
	if hadError {
		h.SetError()
	}
	_ = purge // purge semantics are observed by readers via Touched(); no buffer to actually free here.
	handle.Release(h)
	return nil
}

func (b Base) EventThreadKilled() {}

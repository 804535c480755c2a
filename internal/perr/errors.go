// Package perr groups the sentinel error kinds the scheduler core surfaces.
//
// Errors that internal/module, internal/task, internal/step or
// internal/dispatcher raise themselves are one of these, returned as is or
// wrapped with %w formatting, so callers test for a kind with errors.Is
// rather than string matching. Context errors and errors from a module's
// data source are passed through without wrapping.
package perr

import "errors"

var (
	// ErrInvalidArg marks a bad pipe id, nil handle, or unknown module.
	ErrInvalidArg = errors.New("plumber: invalid argument")

	// ErrAllocFail marks pool exhaustion or an allocation that could not
	// be satisfied.
	ErrAllocFail = errors.New("plumber: allocation failed")

	// ErrModule wraps an error returned by a module's own backend.
	ErrModule = errors.New("plumber: module error")

	// ErrWouldBlock marks a non-blocking read/write that would have
	// blocked on backpressure.
	ErrWouldBlock = errors.New("plumber: would block")

	// ErrCancelled marks a pipe or task cancelled before completion.
	ErrCancelled = errors.New("plumber: cancelled")

	// ErrTypeError marks a type-inference conflict at graph build time.
	ErrTypeError = errors.New("plumber: type error")

	// ErrProtocolError marks a header size mismatch or malformed opcode.
	ErrProtocolError = errors.New("plumber: protocol error")

	// ErrShutdown marks an operation attempted after the shutdown flag
	// was set.
	ErrShutdown = errors.New("plumber: shutdown")
)

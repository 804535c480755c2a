// Package pool implements the scheduler's object pools (C16): a thin,
// type-safe wrapper over sync.Pool used to recycle the handle and task
// structs the scheduler allocates once per pipe and once per node per
// request.
package pool

import "sync"

// Pool recycles values of type T through an underlying sync.Pool. newFn
// supplies a fresh T whenever the pool has nothing available to reuse,
// matching sync.Pool's own per-P-cache-with-shared-fallback behavior
// rather than reimplementing a high-water-mark free list.
type Pool[T any] struct {
	sp sync.Pool
}

// New returns a pool backed by newFn.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{sp: sync.Pool{New: func() any { return newFn() }}}
}

// Get returns a recycled value, or a freshly constructed one if none is
// available.
func (p *Pool[T]) Get() T {
	return p.sp.Get().(T)
}

// Put returns v for reuse. Callers must reset any state they care about
// before calling Put; the pool does not clear fields on their behalf.
func (p *Pool[T]) Put(v T) {
	p.sp.Put(v)
}

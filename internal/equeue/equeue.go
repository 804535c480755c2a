// Package equeue implements the event queue (C10): a fixed-capacity,
// single-producer/single-consumer channel per module token, plus a
// manager that lets the dispatcher wait across every registered token
// at once.
package equeue

import (
	"context"
	"reflect"
	"strconv"
	"sync"

	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/metrics"
	"firestige.xyz/plumber/internal/perr"
)

// Type distinguishes the two event shapes a module's event thread can
// enqueue.
type Type int

const (
	// IO carries a freshly-accepted boundary request's pipe pair.
	IO Type = iota
	// Task carries a deferred callback the scheduler runs inline.
	Task
)

// Event is one entry in a module's event queue.
type Event struct {
	Type Type

	// In/Out are set for an IO event: the input and output pipe handles
	// of a newly accepted boundary request.
	In, Out *handle.Handle

	// Run is set for a Task event: a callback the scheduler invokes with
	// no further queue involvement.
	Run func()
}

// Token identifies one module's queue.
type Token uint32

// nextPowerOfTwo rounds n up to the nearest power of two, minimum 1,
// mirroring the original's itc_equeue_module_token sizing loop.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Queue is one module token's fixed-capacity event channel.
type Queue struct {
	token    Token
	capacity int
	ch       chan Event
}

// Put enqueues ev, blocking until there is room or ctx is done. This is
// the producer-side backpressure point described in SPEC_FULL.md §4.8.
func (q *Queue) Put(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		metrics.EventQueueDepth.WithLabelValues(q.label()).Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return perr.ErrShutdown
	}
}

// Len reports the queue's current occupancy, for metrics and tests.
func (q *Queue) Len() int { return len(q.ch) }

// Capacity reports the queue's power-of-two capacity.
func (q *Queue) Capacity() int { return q.capacity }

func (q *Queue) label() string { return strconv.FormatUint(uint64(q.token), 10) }

// Manager owns every module's queue and lets the dispatcher block on all
// of them at once, the Go-channel counterpart of the original's single
// global queue vector plus take/wait pair.
type Manager struct {
	mu      sync.RWMutex
	queues  map[Token]*Queue
	nextTok Token
}

// NewManager returns an empty queue manager.
func NewManager() *Manager {
	return &Manager{queues: make(map[Token]*Queue)}
}

// NewQueue allocates a new module token with a channel of the given
// capacity (rounded up to a power of two).
func (m *Manager) NewQueue(capacity int) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	size := nextPowerOfTwo(capacity)
	tok := m.nextTok
	m.nextTok++
	m.queues[tok] = &Queue{token: tok, capacity: size, ch: make(chan Event, size)}
	return tok
}

// Queue returns the queue for tok, or (nil, false) if no such token was
// ever allocated.
func (m *Manager) Queue(tok Token) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[tok]
	return q, ok
}

// Put enqueues ev on tok's queue.
func (m *Manager) Put(ctx context.Context, tok Token, ev Event) error {
	q, ok := m.Queue(tok)
	if !ok {
		return perr.ErrInvalidArg
	}
	return q.Put(ctx, ev)
}

// Empty reports whether every registered queue is currently empty.
func (m *Manager) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.queues {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}

// Take blocks until any module's queue has an event, ctx is done, or the
// manager currently holds no queues at all (returns ErrInvalidArg
// immediately in that case, since waiting on nothing would block
// forever). It implements SPEC_FULL.md §4.8's "wait blocks the
// dispatcher until any queue has a matching event" via a dynamic
// reflect.Select over every registered channel plus ctx.Done(), since
// the channel set changes as modules register.
func (m *Manager) Take(ctx context.Context) (Token, Event, error) {
	m.mu.RLock()
	if len(m.queues) == 0 {
		m.mu.RUnlock()
		return 0, Event{}, perr.ErrInvalidArg
	}
	tokens := make([]Token, 0, len(m.queues))
	cases := make([]reflect.SelectCase, 0, len(m.queues)+1)
	for tok, q := range m.queues {
		tokens = append(tokens, tok)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(q.ch)})
	}
	m.mu.RUnlock()
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, recv, recvOK := reflect.Select(cases)
	if chosen == len(cases)-1 {
		return 0, Event{}, perr.ErrShutdown
	}
	if !recvOK {
		return 0, Event{}, perr.ErrShutdown
	}
	tok := tokens[chosen]
	ev := recv.Interface().(Event)
	if q, ok := m.Queue(tok); ok {
		metrics.EventQueueDepth.WithLabelValues(q.label()).Set(float64(q.Len()))
	}
	return tok, ev, nil
}

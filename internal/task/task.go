// Package task implements the task table and ready queue (C8): per-request
// task entries tracking how many inputs a node is still waiting on, plus
// the FIFO that hands the step engine its next runnable task.
package task

import (
	"strconv"
	"sync"
	"sync/atomic"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/handle"
	"firestige.xyz/plumber/internal/metrics"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pool"
	"firestige.xyz/plumber/internal/rscope"
	"firestige.xyz/plumber/pkg/servlet"
)

// taskPool recycles *Task structs across free/new-request cycles rather
// than letting every node of every request churn the GC, per
// SPEC_FULL.md §5's pool policy.
var taskPool = pool.New(func() *Task { return &Task{} })

// Key identifies one task entry: a node's pending work within one request
// of one service.
type Key struct {
	Service string
	Request uint64
	Node    graph.NodeID
}

// Task is one node's pending or ready work for one request. Required and
// Awaiting track the invariant from Testable Property 1 (awaiting +
// assigned + cancelled == required); Pipes is the lazily-populated
// runtime pipe array, indexed by the node-local pipe id.
type Task struct {
	Service  *graph.Service
	Request  uint64
	Node     graph.NodeID
	Required int
	Awaiting int

	Pipes     map[servlet.PipeID]*handle.Handle
	Scope     *rscope.RequestScope
	cancelled map[servlet.PipeID]bool
}

// Pipe returns the handle bound to pid, or nil if none is bound yet.
func (t *Task) Pipe(pid servlet.PipeID) *handle.Handle {
	return t.Pipes[pid]
}

// Dead reports whether every one of the task's required inputs has been
// cancelled. Boundary nodes are never dead: the request's input and
// output tasks must always run (or be explicitly cancelled through the
// cluster they belong to), never silently skipped for lack of inputs.
func (t *Task) Dead() bool {
	if t.Node == t.Service.Input.Node || t.Node == t.Service.Output.Node {
		return false
	}
	return t.Required > 0 && len(t.cancelled) >= t.Required
}

func newTask(svc *graph.Service, reqID uint64, node graph.NodeID, required int, scope *rscope.RequestScope) *Task {
	t := taskPool.Get()
	t.Service = svc
	t.Request = reqID
	t.Node = node
	t.Required = required
	t.Awaiting = required
	t.Scope = scope
	if t.Pipes == nil {
		t.Pipes = make(map[servlet.PipeID]*handle.Handle)
	} else {
		clear(t.Pipes)
	}
	if t.cancelled == nil {
		t.cancelled = make(map[servlet.PipeID]bool)
	} else {
		clear(t.cancelled)
	}
	return t
}

type requestEntry struct {
	scope   *rscope.RequestScope
	pending int
}

// Table is the task table and ready queue: a map of live task entries, a
// map of live requests, and a FIFO of task keys ready to run. Only the
// scheduler goroutine is expected to call its methods (see SPEC_FULL.md
// §5), so its own locking exists only to make that contract explicit and
// safe to violate accidentally rather than to support real contention.
type Table struct {
	mu        sync.Mutex
	nextReqID atomic.Uint64
	tasks     map[Key]*Task
	requests  map[uint64]*requestEntry
	ready     []Key
}

// NewTable returns an empty task table.
func NewTable() *Table {
	return &Table{
		tasks:    make(map[Key]*Task),
		requests: make(map[uint64]*requestEntry),
	}
}

func (tb *Table) keyOf(t *Task) Key {
	return Key{Service: t.Service.Name, Request: t.Request, Node: t.Node}
}

func countIncoming(svc *graph.Service, node graph.NodeID) int {
	n := 0
	for _, e := range svc.Edges {
		if e.DestNode == node {
			n++
		}
	}
	return n
}

func (tb *Table) enqueueLocked(key Key) {
	tb.ready = append(tb.ready, key)
	metrics.TasksReady.Set(float64(len(tb.ready)))
}

func (tb *Table) getOrCreateLocked(svc *graph.Service, reqID uint64, node graph.NodeID, required int, scope *rscope.RequestScope) (*Task, bool) {
	key := Key{Service: svc.Name, Request: reqID, Node: node}
	if t, ok := tb.tasks[key]; ok {
		return t, false
	}
	t := newTask(svc, reqID, node, required, scope)
	tb.tasks[key] = t
	metrics.TasksInflight.WithLabelValues(svc.Name).Inc()
	return t, true
}

// NewRequest allocates a request entry and task entries for the service's
// input and output boundary nodes, binds the supplied handles to their
// boundary pipe ids, then enqueues the input task if it is immediately
// ready (the common case: no other producer feeds the input node).
func (tb *Table) NewRequest(svc *graph.Service, inHandle, outHandle *handle.Handle) (uint64, error) {
	if svc == nil {
		return 0, perr.ErrInvalidArg
	}

	reqID := tb.nextReqID.Add(1)
	scope := rscope.New()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.requests[reqID] = &requestEntry{scope: scope}

	inRequired := countIncoming(svc, svc.Input.Node) + 1
	inTask, isNew := tb.getOrCreateLocked(svc, reqID, svc.Input.Node, inRequired, scope)
	if isNew {
		tb.requests[reqID].pending++
	}
	inTask.Pipes[svc.Input.Pipe] = inHandle
	inTask.Awaiting--

	outRequired := countIncoming(svc, svc.Output.Node)
	outTask, isNew := tb.getOrCreateLocked(svc, reqID, svc.Output.Node, outRequired, scope)
	if isNew {
		tb.requests[reqID].pending++
	}
	outTask.Pipes[svc.Output.Pipe] = outHandle

	if inTask.Awaiting <= 0 {
		tb.enqueueLocked(tb.keyOf(inTask))
	}
	return reqID, nil
}

// InputPipe ensures a task entry exists for (svc, reqID, node), assigns
// handle to pipe, and decrements the task's awaiting count. If handle is
// already flagged cancelled, the cancelled count is bumped too. When
// awaiting reaches zero the task moves onto the ready queue.
func (tb *Table) InputPipe(svc *graph.Service, reqID uint64, node graph.NodeID, pipe servlet.PipeID, h *handle.Handle) error {
	if svc == nil || h == nil {
		return perr.ErrInvalidArg
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	req, ok := tb.requests[reqID]
	if !ok {
		return perr.ErrInvalidArg
	}

	t, isNew := tb.getOrCreateLocked(svc, reqID, node, countIncoming(svc, node), req.scope)
	if isNew {
		req.pending++
	}

	t.Pipes[pipe] = h
	t.Awaiting--
	if h.IsCancelled() && !t.cancelled[pipe] {
		t.cancelled[pipe] = true
	}
	if t.Awaiting <= 0 {
		tb.enqueueLocked(tb.keyOf(t))
	}
	return nil
}

// OutputPipe assigns a produced handle to one of t's own output pipe
// slots.
func (tb *Table) OutputPipe(t *Task, pipe servlet.PipeID, h *handle.Handle) error {
	if t == nil || h == nil {
		return perr.ErrInvalidArg
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t.Pipes[pipe] = h
	return nil
}

// OutputShadow assigns a shadow-forked handle to one of t's own output
// pipe slots. h must be a shadow (fork) of another handle.
func (tb *Table) OutputShadow(t *Task, pipe servlet.PipeID, h *handle.Handle) error {
	if t == nil || h == nil || !h.IsShadow() {
		return perr.ErrInvalidArg
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t.Pipes[pipe] = h
	return nil
}

// InputCancelled marks pipe cancelled on t. Calling it twice for the same
// pipe id is a programmer error, returning ErrInvalidArg instead of
// silently double-counting (Testable Property 7).
func (tb *Table) InputCancelled(t *Task, pipe servlet.PipeID) error {
	if t == nil {
		return perr.ErrInvalidArg
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if t.cancelled[pipe] {
		return perr.ErrInvalidArg
	}
	t.cancelled[pipe] = true
	t.Awaiting--
	if t.Awaiting <= 0 {
		tb.enqueueLocked(tb.keyOf(t))
	}
	return nil
}

// cancelInputLocked is the lenient counterpart to InputCancelled used by
// cluster cancellation cascades: the target task may not exist yet, and a
// pipe already marked cancelled by an earlier cascade step is tolerated
// rather than treated as a programmer error.
func (tb *Table) cancelInputLocked(svc *graph.Service, reqID uint64, node graph.NodeID, pipe servlet.PipeID) {
	req, ok := tb.requests[reqID]
	if !ok {
		return
	}
	t, isNew := tb.getOrCreateLocked(svc, reqID, node, countIncoming(svc, node), req.scope)
	if isNew {
		req.pending++
	}
	if t.cancelled[pipe] {
		return
	}
	t.cancelled[pipe] = true
	t.Awaiting--
	if t.Awaiting <= 0 {
		tb.enqueueLocked(tb.keyOf(t))
	}
}

// NextReadyTask pops the next runnable task from the FIFO. A dead task
// (every required input cancelled, and not a boundary node) triggers
// cluster cancellation instead of being returned: every edge in its
// critical-cluster boundary is cancelled, the task itself is freed, and
// the loop continues. Returns (nil, nil) when the queue is empty (idle).
func (tb *Table) NextReadyTask(clusters map[graph.NodeID]cluster.Info) (*Task, error) {
	for {
		tb.mu.Lock()
		if len(tb.ready) == 0 {
			tb.mu.Unlock()
			return nil, nil
		}
		key := tb.ready[0]
		tb.ready = tb.ready[1:]
		metrics.TasksReady.Set(float64(len(tb.ready)))
		t, ok := tb.tasks[key]
		if !ok {
			tb.mu.Unlock()
			continue
		}

		if !t.Dead() {
			tb.mu.Unlock()
			return t, nil
		}

		info := clusters[t.Node]
		if len(info.BoundaryEdges) > 0 || info.OutputInCluster {
			metrics.ClusterCancellationsTotal.WithLabelValues(t.Service.Name, strconv.FormatUint(uint64(t.Node), 10)).Inc()
		}
		for _, e := range info.BoundaryEdges {
			tb.cancelInputLocked(t.Service, t.Request, e.DestNode, e.DestPipe)
		}
		if info.OutputInCluster {
			tb.freeLocked(Key{Service: t.Service.Name, Request: t.Request, Node: t.Service.Output.Node})
		}
		tb.freeLocked(key)
		tb.mu.Unlock()
	}
}

// Free drops t's runtime state and decrements its request's pending
// count; when the count reaches zero the request's scope is destroyed.
func (tb *Table) Free(t *Task) error {
	if t == nil {
		return perr.ErrInvalidArg
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.freeLocked(tb.keyOf(t))
	return nil
}

func (tb *Table) freeLocked(key Key) {
	t, ok := tb.tasks[key]
	if !ok {
		return
	}
	delete(tb.tasks, key)
	metrics.TasksInflight.WithLabelValues(key.Service).Dec()
	taskPool.Put(t)

	req, ok := tb.requests[key.Request]
	if !ok {
		return
	}
	req.pending--
	if req.pending <= 0 {
		req.scope.Free()
		delete(tb.requests, key.Request)
	}
}

// Scope returns the live scope for reqID, or (nil, false) if the request
// has already been freed.
func (tb *Table) Scope(reqID uint64) (*rscope.RequestScope, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	req, ok := tb.requests[reqID]
	if !ok {
		return nil, false
	}
	return req.scope, true
}

// Pending returns the live task count for reqID, for tests and metrics.
func (tb *Table) Pending(reqID uint64) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	req, ok := tb.requests[reqID]
	if !ok {
		return 0
	}
	return req.pending
}

// TotalPending sums Pending across every request still live in the
// table, for the daemon's status endpoint.
func (tb *Table) TotalPending() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	total := 0
	for _, req := range tb.requests {
		total += req.pending
	}
	return total
}

// DrainAll force-releases every task still live in the table, regardless
// of whether it was ever going to become ready on its own. A task
// awaiting a pipe that will never arrive once the module's accept loop
// has stopped would otherwise sit in the table forever; this is the
// shutdown-time counterpart to NextReadyTask's cluster-cancellation path,
// per SPEC_FULL.md §4.9's "on shutdown all pending tasks in every request
// are released and every still-held handle is deallocated". Every handle
// still bound to a drained task's pipes is deallocated through mod
// (deduplicated, since an edge's source and destination task can share
// the same handle pointer), and every request's scope is destroyed.
func (tb *Table) DrainAll(mod module.Module) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	seen := make(map[*handle.Handle]bool)
	for key, t := range tb.tasks {
		for _, h := range t.Pipes {
			if h == nil || seen[h] {
				continue
			}
			seen[h] = true
			_ = mod.Deallocate(h, false, true)
		}
		delete(tb.tasks, key)
		metrics.TasksInflight.WithLabelValues(key.Service).Dec()
		taskPool.Put(t)
	}
	tb.ready = nil
	metrics.TasksReady.Set(0)

	for reqID, req := range tb.requests {
		req.scope.Free()
		delete(tb.requests, reqID)
	}
}

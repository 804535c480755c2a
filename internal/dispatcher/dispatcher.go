// Package dispatcher implements the dispatcher (C11): one goroutine per
// module that can block in accept, and one scheduler goroutine that
// drains the resulting event queue into new requests and step()
// iterations.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/equeue"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/log"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/step"
	"firestige.xyz/plumber/internal/task"
)

// Dispatcher owns one module's accept goroutine and the scheduler loop
// that drains its event queue, per SPEC_FULL.md §4.9.
type Dispatcher struct {
	svc      *graph.Service
	mod      module.Module
	tb       *task.Table
	clusters map[graph.NodeID]cluster.Info

	queues *equeue.Manager
	token  equeue.Token

	shuttingDown atomic.Bool
	acceptDone   sync.WaitGroup
}

// New builds a dispatcher for svc backed by mod. queueCapacity is rounded
// up to a power of two by internal/equeue.
func New(svc *graph.Service, mod module.Module, tb *task.Table, clusters map[graph.NodeID]cluster.Info, queueCapacity int) *Dispatcher {
	queues := equeue.NewManager()
	token := queues.NewQueue(queueCapacity)
	return &Dispatcher{svc: svc, mod: mod, tb: tb, clusters: clusters, queues: queues, token: token}
}

// Run starts the module's accept goroutine and runs the scheduler loop
// on the calling goroutine until ctx is cancelled, or until Shutdown has
// been called and the loop finds the event queue empty. It then waits for
// the accept goroutine and, on either kind of stop, force-drains every
// task still in the table before returning. Shutdown alone does not wake
// a scheduler loop blocked waiting for an event or an accept goroutine
// blocked in Accept; cancelling ctx does.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.acceptDone.Add(1)
	go d.acceptLoop(ctx)

	d.schedulerLoop(ctx)

	d.acceptDone.Wait()

	if d.shuttingDown.Load() || ctx.Err() != nil {
		d.tb.DrainAll(d.mod)
	}
	return nil
}

// Shutdown requests a graceful stop by setting a flag: the accept
// goroutine checks it before each Accept call and stops taking new
// boundary requests, and the scheduler loop checks it before each event
// wait and exits once every queued event has been drained into a step()
// pass.
func (d *Dispatcher) Shutdown() {
	d.shuttingDown.Store(true)
}

func (d *Dispatcher) acceptLoop(ctx context.Context) {
	defer d.acceptDone.Done()
	logger := log.GetLogger()
	for {
		if ctx.Err() != nil || d.shuttingDown.Load() {
			return
		}
		if d.mod.Flags()&module.EventExhausted != 0 {
			// The module's event source is drained for good; no further
			// Accept call can produce a request.
			return
		}
		in, out, err := d.mod.Accept(ctx, module.AcceptParam{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("dispatcher: accept failed")
			continue
		}
		if in == nil && out == nil {
			// No request this round; call Accept again (the check at the
			// top of the loop stops once the module reports EventExhausted).
			continue
		}
		if err := d.queues.Put(ctx, d.token, equeue.Event{Type: equeue.IO, In: in, Out: out}); err != nil {
			return
		}
	}
}

func (d *Dispatcher) schedulerLoop(ctx context.Context) {
	logger := log.GetLogger()
	for {
		if d.shuttingDown.Load() && d.queues.Empty() {
			d.drainReady(logger)
			return
		}

		_, ev, err := d.queues.Take(ctx)
		if err != nil {
			d.drainReady(logger)
			return
		}

		switch ev.Type {
		case equeue.IO:
			if _, err := d.tb.NewRequest(d.svc, ev.In, ev.Out); err != nil {
				logger.WithError(err).Error("dispatcher: new_request failed")
			}
		case equeue.Task:
			if ev.Run != nil {
				ev.Run()
			}
		}

		d.drainReady(logger)
	}
}

// drainReady runs step() until the ready queue goes idle, implementing
// the "drain step() until idle or graph saturates" half of §4.9's loop.
func (d *Dispatcher) drainReady(logger log.Logger) {
	for {
		ran, err := step.Step(d.mod, d.tb, d.clusters)
		if err != nil {
			logger.WithError(err).Error("dispatcher: step failed")
			continue
		}
		if !ran {
			return
		}
	}
}

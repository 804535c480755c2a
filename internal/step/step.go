// Package step implements the step engine (C9): one scheduler iteration
// that pops a ready task, materializes its outgoing pipes, runs the
// servlet, propagates the sentinel pipes, and frees the task.
package step

import (
	"strconv"
	"time"

	"firestige.xyz/plumber/internal/cluster"
	"firestige.xyz/plumber/internal/graph"
	"firestige.xyz/plumber/internal/log"
	"firestige.xyz/plumber/internal/metrics"
	"firestige.xyz/plumber/internal/module"
	"firestige.xyz/plumber/internal/perr"
	"firestige.xyz/plumber/internal/pipeflag"
	"firestige.xyz/plumber/internal/task"
	"firestige.xyz/plumber/pkg/servlet"
)

// Step runs one scheduler iteration against mod for pipe allocation. It
// returns ran=false (with a nil error) when the ready queue is idle.
func Step(mod module.Module, tb *task.Table, clusters map[graph.NodeID]cluster.Info) (ran bool, err error) {
	t, err := tb.NextReadyTask(clusters)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}

	svc := t.Service
	node, ok := svc.Node(t.Node)
	if !ok {
		return false, perr.ErrInvalidArg
	}

	start := time.Now()
	nodeLabel := strconv.FormatUint(uint64(t.Node), 10)
	defer func() {
		metrics.StepDurationSeconds.WithLabelValues(svc.Name, nodeLabel).Observe(time.Since(start).Seconds())
	}()

	if err := materializeOutgoing(mod, tb, svc, t); err != nil {
		_ = tb.Free(t)
		return true, err
	}

	execCtx := servlet.NewExecContext(t.Scope, t.Pipes)
	execErr := node.Instance.Exec(execCtx)
	propagateOutcome(node, t, execErr, svc.PropagateNullToShadows)

	outcome := metrics.OutcomeOK
	switch {
	case execErr != nil:
		outcome = metrics.OutcomeError
		log.GetLogger().WithField("node", nodeLabel).WithField("service", svc.Name).WithError(execErr).Error("step: servlet exec failed")
	case anyPipeCancelled(t, node):
		outcome = metrics.OutcomeCancelled
	}
	if t.Node == svc.Output.Node {
		metrics.RequestsTotal.WithLabelValues(svc.Name, outcome).Inc()
	}

	if freeErr := tb.Free(t); freeErr != nil {
		return true, freeErr
	}
	return true, nil
}

// materializeOutgoing builds the handle for every outgoing edge of t's
// node: a shadow fork when the edge's output flags carry the SHADOW bit
// (observing the target pipe already bound on t), otherwise a fresh
// allocate/pair whose output end is bound to t and whose input end is
// handed to the downstream task via InputPipe.
func materializeOutgoing(mod module.Module, tb *task.Table, svc *graph.Service, t *task.Task) error {
	for _, e := range svc.OutgoingEdges(t.Node) {
		if pipeflag.IsShadow(e.OutputFlags) {
			target := servlet.PipeID(pipeflag.Target(e.OutputFlags))
			src := t.Pipe(target)
			if src == nil {
				return perr.ErrInvalidArg
			}
			forked, err := mod.Fork(src, e.InputFlags, e.HeaderSize)
			if err != nil {
				return err
			}
			if err := tb.OutputShadow(t, e.SourcePipe, forked); err != nil {
				return err
			}
			if pipeflag.IsDisabled(e.InputFlags) {
				forked.Cancel()
			}
			if err := tb.InputPipe(svc, t.Request, e.DestNode, e.DestPipe, forked); err != nil {
				return err
			}
			continue
		}

		outH, inH, err := mod.Allocate(module.PipeParam{
			OutputFlags:  e.OutputFlags,
			OutputHeader: e.HeaderSize,
			InputFlags:   e.InputFlags,
			InputHeader:  e.HeaderSize,
		})
		if err != nil {
			return err
		}
		if err := tb.OutputPipe(t, e.SourcePipe, outH); err != nil {
			return err
		}
		if pipeflag.IsDisabled(e.InputFlags) {
			inH.Cancel()
		}
		if err := tb.InputPipe(svc, t.Request, e.DestNode, e.DestPipe, inH); err != nil {
			return err
		}
	}
	return nil
}

// propagateOutcome implements spec.md §4.7 step 5: on exec failure, every
// non-sentinel output pipe is marked erroneous and the __error__ sentinel
// is touched; on a success that touched nothing, the __null__ sentinel is
// touched instead, optionally cascading to shadow companions.
func propagateOutcome(node *graph.Node, t *task.Task, execErr error, propagateNullToShadows bool) {
	if node.PDT == nil {
		return
	}

	if execErr != nil {
		for _, pd := range node.PDT.Pipes {
			if pd.Input || pd.ID == node.PDT.NullPipe || pd.ID == node.PDT.ErrorPipe {
				continue
			}
			if h := t.Pipe(pd.ID); h != nil {
				h.SetError()
			}
		}
		if h := t.Pipe(node.PDT.ErrorPipe); h != nil {
			h.MarkTouched()
		}
		return
	}

	if anyOutputTouched(node, t) {
		return
	}
	nullHandle := t.Pipe(node.PDT.NullPipe)
	if nullHandle == nil {
		return
	}
	nullHandle.MarkTouched()
	if propagateNullToShadows {
		for _, pd := range node.PDT.Pipes {
			if pd.Input || pd.ID == node.PDT.NullPipe || pd.ID == node.PDT.ErrorPipe {
				continue
			}
			if h := t.Pipe(pd.ID); h != nil && h.IsShadow() {
				h.MarkTouched()
			}
		}
	}
}

func anyOutputTouched(node *graph.Node, t *task.Task) bool {
	for _, pd := range node.PDT.Pipes {
		if pd.Input || pd.ID == node.PDT.NullPipe || pd.ID == node.PDT.ErrorPipe {
			continue
		}
		if h := t.Pipe(pd.ID); h != nil && h.Touched() {
			return true
		}
	}
	return false
}

func anyPipeCancelled(t *task.Task, node *graph.Node) bool {
	if node.PDT == nil {
		return false
	}
	for _, pd := range node.PDT.Pipes {
		if !pd.Input {
			continue
		}
		if h := t.Pipe(pd.ID); h != nil && h.IsCancelled() {
			return true
		}
	}
	return false
}

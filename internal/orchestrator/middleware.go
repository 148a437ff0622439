// Package orchestrator wires the domain packages (frame, budget, classify,
// ratelimit, cache, sources, nodes, synthesize, checkpoint, events) into a
// runnable graph.Engine[state.RunState] and exposes a Submit/Get/List run
// registry over it.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/budget"
	"github.com/biomedorch/orchestrator/internal/classify"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/state"
)

type ctxKey string

// ledgerCtxKey is the only per-run value threaded through context: a
// run's budget.Ledger is allocated fresh by Runtime.Submit for each
// Engine.Run call, so unlike the event sink (one process-wide Bus,
// captured by closure at node-registration time) it cannot be bound once
// when nodes are added to the engine.
const ledgerCtxKey ctxKey = "orchestrator.ledger"

// withLedger returns a context carrying l, retrieved by instrumentedRun.
func withLedger(ctx context.Context, l *budget.Ledger) context.Context {
	return context.WithValue(ctx, ledgerCtxKey, l)
}

func ledgerFromContext(ctx context.Context) *budget.Ledger {
	l, _ := ctx.Value(ledgerCtxKey).(*budget.Ledger)
	return l
}

// withMiddleware wraps a domain node with the cross-cutting concerns every
// node in the graph needs: a per-node deadline carved out of the run's
// shared budget.Ledger, node_started/node_completed/node_failed/
// budget_update event emission, danger-zone flagging, and panic recovery
// that converts to a classify.KindUnknown error in the node's own delta
// rather than aborting Engine.Run (a panic propagating as NodeResult.Err
// would halt the whole run; spec.md's partial-results salvage requires a
// single failing fetch to leave the rest of the run intact).
func withMiddleware(nodeID string, sink func(emit.Event), next graph.NodeFunc[state.RunState]) graph.NodeFunc[state.RunState] {
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		return instrumentedRun(ctx, nodeID, sink, s, next)
	}
}

// instrumentedRun executes next with the budget/event/panic-recovery
// wrapping withMiddleware applies, factored out so fanoutNode's
// concurrently-running branches get identical per-node accounting
// without a second, aggregate-level wrapper double-counting elapsed time
// against the shared budget.Ledger.
func instrumentedRun(ctx context.Context, nodeID string, sink func(emit.Event), s state.RunState, next graph.NodeFunc[state.RunState]) (result graph.NodeResult[state.RunState]) {
	ledger := ledgerFromContext(ctx)
	step := len(s.CompletedNodes) + 1

	if ledger != nil {
		if timeout := ledger.Allocate(nodeID); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	if sink != nil {
		sink(events.NodeStarted(s.RunID, step, nodeID))
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			ce := classify.Classify(nodeID, fmt.Errorf("panic: %v", r))
			result = graph.NodeResult[state.RunState]{
				Delta: state.RunState{
					Errors:         []*classify.Error{ce},
					CompletedNodes: []string{nodeID},
				},
				Route: graph.Goto("synthesize"),
			}
			if sink != nil {
				sink(events.NodeFailed(s.RunID, step, nodeID, string(ce.Kind), ce.Message))
			}
		}
	}()

	result = next(ctx, s)
	elapsed := time.Since(start)

	if ledger != nil {
		ledger.Consume(elapsed)
		if ledger.InDangerZone() {
			result.Delta.DangerZone = true
		}
		if sink != nil {
			sink(events.BudgetUpdate(s.RunID, step, ledger.ConsumedDuration().Milliseconds(), ledger.Remaining().Milliseconds(), ledger.InDangerZone()))
		}
	}

	if sink != nil {
		if n := len(result.Delta.Errors); n > 0 {
			last := result.Delta.Errors[n-1]
			sink(events.NodeFailed(s.RunID, step, nodeID, string(last.Kind), last.Message))
		} else {
			sink(events.NodeCompleted(s.RunID, step, nodeID, itemCount(result.Delta), elapsed))
		}
	}

	return result
}

func itemCount(delta state.RunState) int {
	n := 0
	for _, items := range delta.Results {
		n += len(items)
	}
	return n
}

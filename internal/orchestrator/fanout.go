package orchestrator

import (
	"context"
	"sync"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/state"
)

// fanoutNode runs every fetch node named in s.RoutingDecision concurrently
// and merges their deltas, then routes to synthesize.
//
// The engine's native Route.Many fan-out (graph/engine.go executeParallel)
// treats a parallel branch set as the end of the run: branches execute
// once, their deltas merge, and Run returns immediately with no further
// routing. That is incompatible with trials_with_pubs/company_pipeline
// under parallel_execution=true, which must fan out to two fetch nodes
// and then continue to synthesize. fanoutNode works around this by
// invoking the raw (non-middleware-wrapped) fetch NodeFuncs directly via
// goroutines instead of going through Route.Many, running each one
// through instrumentedRun itself so every branch still gets its own
// budget allocation and node_started/node_completed/node_failed events,
// then folding the branch deltas with state.Reducer and returning a
// single NodeResult that routes onward normally. instrumentedRun is not
// applied a second time around the whole fan-out, which would double
// count wall-clock time against the shared budget.Ledger. Each branch
// shares that Ledger through context, which is why its accounting
// methods are mutex-guarded.
func fanoutNode(fetchNodes map[string]graph.NodeFunc[state.RunState], sink func(emit.Event)) graph.NodeFunc[state.RunState] {
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		targets := s.RoutingDecision
		if len(targets) == 0 {
			return graph.NodeResult[state.RunState]{Route: graph.Goto("synthesize")}
		}

		results := make([]graph.NodeResult[state.RunState], len(targets))
		var wg sync.WaitGroup
		for i, nodeID := range targets {
			fn, ok := fetchNodes[nodeID]
			if !ok {
				continue
			}
			wg.Add(1)
			go func(i int, nodeID string, fn graph.NodeFunc[state.RunState]) {
				defer wg.Done()
				results[i] = instrumentedRun(ctx, nodeID, sink, s, fn)
			}(i, nodeID, fn)
		}
		wg.Wait()

		var merged state.RunState
		for _, r := range results {
			merged = state.Reducer(merged, r.Delta)
		}

		return graph.NodeResult[state.RunState]{
			Delta: merged,
			Route: graph.Goto("synthesize"),
		}
	}
}

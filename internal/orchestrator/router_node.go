package orchestrator

import (
	"context"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/nodes"
	"github.com/biomedorch/orchestrator/internal/state"
)

// routerNode wraps nodes.Router with routing_decided event emission; the
// routing logic itself stays in internal/nodes so its own tests keep
// covering it directly.
func routerNode(sink func(emit.Event)) graph.NodeFunc[state.RunState] {
	inner := nodes.Router()
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		result := inner.Run(ctx, s)
		if sink != nil {
			sink(events.RoutingDecided(s.RunID, len(s.CompletedNodes)+1, result.Delta.RoutingDecision))
		}
		return result
	}
}

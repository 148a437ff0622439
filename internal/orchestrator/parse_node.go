package orchestrator

import (
	"context"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/classify"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/frame"
	"github.com/biomedorch/orchestrator/internal/state"
)

// parseNode adapts frame.Parser.Parse into the frame_parse graph node,
// emitting frame_ready once the Frame is available. An empty query is
// classified as a non-retryable validation error rather than aborting the
// run via NodeResult.Err, so the run still reaches synthesize; Runtime.run
// then ends it Failed with an empty answer, since it has an error and no
// results.
func parseNode(parser *frame.Parser, sink func(emit.Event)) graph.NodeFunc[state.RunState] {
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		f, err := parser.Parse(ctx, s.Query)
		if err != nil {
			ce := classify.Classify("frame_parse", err)
			return graph.NodeResult[state.RunState]{
				Delta: state.RunState{
					Errors:         []*classify.Error{ce},
					CompletedNodes: []string{"frame_parse"},
				},
				Route: graph.Goto("synthesize"),
			}
		}

		if sink != nil {
			sink(events.FrameReady(s.RunID, len(s.CompletedNodes)+1, string(f.Intent), f.Confidence))
		}

		return graph.NodeResult[state.RunState]{
			Delta: state.RunState{
				Frame:          f,
				CompletedNodes: []string{"frame_parse"},
			},
			Route: graph.Goto("router"),
		}
	}
}

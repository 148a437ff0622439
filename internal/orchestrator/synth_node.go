package orchestrator

import (
	"context"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/state"
	"github.com/biomedorch/orchestrator/internal/synthesize"
)

// synthNode adapts synthesize.SynthesizeWithWeights into the terminal
// synthesize graph node. When Options.IncludeSynthesis is false the run
// stops after citation extraction is skipped entirely: no answer, no
// quality score, no synthesis_stage/synthesis_ready events, matching
// spec.md §8's "synthesis optional" boundary case.
func synthNode(weights synthesize.QualityWeights, sink func(emit.Event)) graph.NodeFunc[state.RunState] {
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		step := len(s.CompletedNodes) + 1

		if !s.Options.IncludeSynthesis {
			return graph.NodeResult[state.RunState]{
				Delta: state.RunState{CompletedNodes: []string{"synthesize"}},
				Route: graph.Stop(),
			}
		}

		if sink != nil {
			sink(events.SynthesisStage(s.RunID, step, "citation", 33))
		}
		result := synthesize.SynthesizeWithWeights(s, weights)
		if sink != nil {
			sink(events.SynthesisStage(s.RunID, step, "quality", 66))
			sink(events.SynthesisStage(s.RunID, step, "render", 100))
			sink(events.SynthesisReady(s.RunID, step, result.QualityScore, len(result.Citations)))
		}

		return graph.NodeResult[state.RunState]{
			Delta: state.RunState{
				Answer:         result.Answer,
				QualityScore:   result.QualityScore,
				CompletedNodes: []string{"synthesize"},
			},
			Route: graph.Stop(),
		}
	}
}

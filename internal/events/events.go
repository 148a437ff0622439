// Package events defines the run-level state machine and typed event
// payload builders layered over the teacher's emit.Event.Meta convention.
package events

import (
	"fmt"
	"time"

	"github.com/biomedorch/orchestrator/graph/emit"
)

const metaTimestampKey = "timestamp"

// RunStatus is a run's lifecycle state (spec.md §3).
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusPartial   RunStatus = "partial"
	StatusFailed    RunStatus = "failed"
)

// validTransitions enumerates the only allowed forward moves in the
// run-level state machine: Pending -> Running -> {Completed, Partial,
// Failed}. Terminal states have no outgoing transitions.
var validTransitions = map[RunStatus][]RunStatus{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusPartial, StatusFailed},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal
// forward transition.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no further legal transitions.
func IsTerminal(s RunStatus) bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

// Kind names the event types; Build stores it in each event's Meta["kind"].
type Kind string

const (
	KindRunStarted      Kind = "run_started"
	KindFrameReady      Kind = "frame_ready"
	KindRoutingDecided  Kind = "routing_decided"
	KindNodeStarted     Kind = "node_started"
	KindNodeCompleted   Kind = "node_completed"
	KindNodeFailed      Kind = "node_failed"
	KindNodeRetrying    Kind = "retry_attempt"
	KindBudgetWarning   Kind = "budget_warning"
	KindPartialResults  Kind = "partial_results"
	KindSynthesisReady  Kind = "synthesis_ready"
	KindRunCompleted    Kind = "run_completed"
	KindNodeProgress    Kind = "node_progress"
	KindBudgetUpdate    Kind = "budget_update"
	KindSynthesisStage  Kind = "synthesis_stage"
	KindRunFailed       Kind = "run_failed"
)

// Build constructs an emit.Event carrying a typed Kind and metadata,
// matching graph/emit's Event{RunID, Step, NodeID, Msg, Meta} shape.
func Build(kind Kind, runID string, step int, nodeID, msg string, meta map[string]interface{}) emit.Event {
	if meta == nil {
		meta = make(map[string]interface{}, 2)
	}
	meta["kind"] = string(kind)
	meta[metaTimestampKey] = time.Now().UTC()
	return emit.Event{
		RunID:  runID,
		Step:   step,
		NodeID: nodeID,
		Msg:    msg,
		Meta:   meta,
	}
}

// RunStarted builds the run_started event.
func RunStarted(runID, query string) emit.Event {
	return Build(KindRunStarted, runID, 0, "", "run started", map[string]interface{}{"query": query})
}

// FrameReady builds the frame_ready event.
func FrameReady(runID string, step int, intent string, confidence float64) emit.Event {
	return Build(KindFrameReady, runID, step, "frame_parse", "intent parsed", map[string]interface{}{
		"intent":     intent,
		"confidence": confidence,
	})
}

// RoutingDecided builds the routing_decided event.
func RoutingDecided(runID string, step int, targets []string) emit.Event {
	return Build(KindRoutingDecided, runID, step, "router", "routing decided", map[string]interface{}{
		"targets": targets,
	})
}

// NodeStarted builds the node_started event.
func NodeStarted(runID string, step int, nodeID string) emit.Event {
	return Build(KindNodeStarted, runID, step, nodeID, fmt.Sprintf("%s started", nodeID), nil)
}

// NodeCompleted builds the node_completed event.
func NodeCompleted(runID string, step int, nodeID string, itemCount int, elapsed time.Duration) emit.Event {
	return Build(KindNodeCompleted, runID, step, nodeID, fmt.Sprintf("%s completed", nodeID), map[string]interface{}{
		"item_count":  itemCount,
		"elapsed_ms":  elapsed.Milliseconds(),
	})
}

// NodeFailed builds the node_failed event.
func NodeFailed(runID string, step int, nodeID, kind, message string) emit.Event {
	return Build(KindNodeFailed, runID, step, nodeID, fmt.Sprintf("%s failed", nodeID), map[string]interface{}{
		"error_kind":    kind,
		"error_message": message,
	})
}

// NodeRetrying builds the retry_attempt event (spec.md §4.11).
func NodeRetrying(runID string, step int, nodeID string, attempt, maxAttempts int, delay time.Duration, errorKind string) emit.Event {
	return Build(KindNodeRetrying, runID, step, nodeID, fmt.Sprintf("%s retrying", nodeID), map[string]interface{}{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"delay_ms":     delay.Milliseconds(),
		"error_kind":   errorKind,
	})
}

// BudgetWarning builds the budget_warning event.
func BudgetWarning(runID string, step int, fractionConsumed float64) emit.Event {
	return Build(KindBudgetWarning, runID, step, "", "budget danger zone", map[string]interface{}{
		"fraction_consumed": fractionConsumed,
	})
}

// PartialResults builds the partial_results event. reason is one of
// "timeout", "error", "budget_exhausted"; completionPct is in [0,100].
func PartialResults(runID string, step int, reason string, completionPct int, completedSources []string) emit.Event {
	return Build(KindPartialResults, runID, step, "", "salvaging partial results", map[string]interface{}{
		"reason":             reason,
		"completion_pct":     completionPct,
		"available_sources":  completedSources,
	})
}

// SynthesisReady builds the synthesis_ready event.
func SynthesisReady(runID string, step int, qualityScore float64, citationCount int) emit.Event {
	return Build(KindSynthesisReady, runID, step, "synthesize", "synthesis ready", map[string]interface{}{
		"quality_score":  qualityScore,
		"citation_count": citationCount,
	})
}

// RunCompleted builds the run_completed event.
func RunCompleted(runID string, step int, status RunStatus, totalElapsed time.Duration) emit.Event {
	return Build(KindRunCompleted, runID, step, "", "run completed", map[string]interface{}{
		"status":          string(status),
		"total_elapsed_ms": totalElapsed.Milliseconds(),
	})
}

// RunFailed builds the run_failed event (spec.md §4.11, §7).
func RunFailed(runID string, step int, kind, message string) emit.Event {
	return Build(KindRunFailed, runID, step, "", "run failed", map[string]interface{}{
		"error_kind": kind,
		"message":    message,
	})
}

// NodeProgress builds the node_progress event; percent is clamped to [0,100].
func NodeProgress(runID string, step int, nodeID string, percent int) emit.Event {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return Build(KindNodeProgress, runID, step, nodeID, fmt.Sprintf("%s progress", nodeID), map[string]interface{}{
		"percent": percent,
	})
}

// BudgetUpdate builds the budget_update event.
func BudgetUpdate(runID string, step int, consumedMS, remainingMS int64, dangerZone bool) emit.Event {
	return Build(KindBudgetUpdate, runID, step, "", "budget update", map[string]interface{}{
		"consumed_ms":  consumedMS,
		"remaining_ms": remainingMS,
		"danger_zone":  dangerZone,
	})
}

// SynthesisStage builds the synthesis_stage event; stage is one of
// "citation", "quality", "render".
func SynthesisStage(runID string, step int, stage string, percent int) emit.Event {
	return Build(KindSynthesisStage, runID, step, "synthesize", "synthesis "+stage, map[string]interface{}{
		"stage":   stage,
		"percent": percent,
	})
}

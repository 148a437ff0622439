// Package state defines RunState, the graph state type threaded through
// every node of a research run, and its deep-merge reducer.
package state

import (
	"time"

	"github.com/biomedorch/orchestrator/internal/classify"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/frame"
	"github.com/biomedorch/orchestrator/internal/sources"
)

// Options carries the per-request knobs of a research query (spec.md
// §2, Query Request "options"). It is set once on the initial RunState
// and never mutated by the Reducer. Runtime.Submit replaces zero numeric
// and string fields with their defaults; IncludeSynthesis is not filled
// in, so its zero value (false) skips synthesis.
type Options struct {
	RequestedSources     []string
	MaxResultsPerSource  int
	IncludeSynthesis     bool
	Priority             string
	BudgetMS             int64
	EnablePartialResults bool
	RetryStrategy        string
	ParallelExecution    bool
	CitationFormat       string
	QualityThreshold     float64
	CheckpointEnabled    bool
}

// RunState is the shared state threaded through the orchestration graph
// for a single research run (spec.md §3).
type RunState struct {
	RunID string
	Query string

	Options Options

	Frame frame.Frame

	RoutingDecision []string
	CompletedNodes  []string

	// Results is keyed by source name ("pubs", "trials", "rag"); each
	// fetch node appends its normalized, filtered, sorted items here.
	Results map[string][]sources.Item

	Errors []*classify.Error

	Status      events.RunStatus
	DangerZone  bool

	Answer       string
	QualityScore float64
	CheckpointID string

	StartedAt   time.Time
	CompletedAt time.Time

	BudgetConsumedMS int64
	BudgetTotalMS    int64
}

// NewRunState seeds a fresh RunState for a query. Callers assign RunID
// once a checkpoint id or request id has been generated.
func NewRunState(runID, query string) RunState {
	return RunState{
		RunID:     runID,
		Query:     query,
		Results:   make(map[string][]sources.Item),
		Status:    events.StatusPending,
		StartedAt: time.Now().UTC(),
	}
}

// WithOptions returns a copy of s with Options set, used by the
// orchestrator to seed per-request knobs onto the initial RunState
// before the run starts (the Reducer never touches Options, so this is
// the only place it is assigned).
func (s RunState) WithOptions(o Options) RunState {
	s.Options = o
	return s
}

// Reducer merges a node's delta into the accumulated state using the
// list-append / map-merge / scalar-overwrite deep-merge semantics of
// spec.md §4.1, generalizing the teacher's example reducers (which only
// ever handled flat fields) to RunState's nested Results map.
func Reducer(prev, delta RunState) RunState {
	if delta.RunID != "" {
		prev.RunID = delta.RunID
	}
	if delta.Query != "" {
		prev.Query = delta.Query
	}
	if delta.Frame.RawQuery != "" {
		prev.Frame = delta.Frame
	}

	if len(delta.RoutingDecision) > 0 {
		prev.RoutingDecision = append(prev.RoutingDecision, delta.RoutingDecision...)
	}
	if len(delta.CompletedNodes) > 0 {
		prev.CompletedNodes = append(prev.CompletedNodes, delta.CompletedNodes...)
	}

	if len(delta.Results) > 0 {
		if prev.Results == nil {
			prev.Results = make(map[string][]sources.Item, len(delta.Results))
		}
		for source, items := range delta.Results {
			prev.Results[source] = append(prev.Results[source], items...)
		}
	}

	if len(delta.Errors) > 0 {
		prev.Errors = append(prev.Errors, delta.Errors...)
	}

	if delta.Status != "" {
		prev.Status = delta.Status
	}
	if delta.DangerZone {
		prev.DangerZone = true
	}

	if delta.Answer != "" {
		prev.Answer = delta.Answer
	}
	if delta.QualityScore != 0 {
		prev.QualityScore = delta.QualityScore
	}
	if delta.CheckpointID != "" {
		prev.CheckpointID = delta.CheckpointID
	}

	if !delta.StartedAt.IsZero() {
		prev.StartedAt = delta.StartedAt
	}
	if !delta.CompletedAt.IsZero() {
		prev.CompletedAt = delta.CompletedAt
	}

	if delta.BudgetConsumedMS != 0 {
		prev.BudgetConsumedMS = delta.BudgetConsumedMS
	}
	if delta.BudgetTotalMS != 0 {
		prev.BudgetTotalMS = delta.BudgetTotalMS
	}

	return prev
}

// ResultCount returns the total number of fetched items across all
// sources.
func (s RunState) ResultCount() int {
	n := 0
	for _, items := range s.Results {
		n += len(items)
	}
	return n
}

// CompletedFetchSources returns the fetch node ids (pubs_fetch,
// trials_fetch, rag_fetch) that have a completed node entry, used by the
// orchestrator's run-status decision and by the synthesizer's template
// selection.
func (s RunState) CompletedFetchSources() []string {
	var out []string
	for _, node := range s.CompletedNodes {
		switch node {
		case "pubs_fetch", "trials_fetch", "rag_fetch":
			out = append(out, node)
		}
	}
	return out
}

// Package nodes implements the graph.Node[state.RunState] units of a
// research run: the router and the three source fetch nodes, following
// the teacher's NodeFunc-closure-returning-Delta-and-Route pattern.
package nodes

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/cache"
	"github.com/biomedorch/orchestrator/internal/classify"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/frame"
	"github.com/biomedorch/orchestrator/internal/ratelimit"
	"github.com/biomedorch/orchestrator/internal/sources"
	"github.com/biomedorch/orchestrator/internal/state"
)

// QualityThreshold is the minimum quality_score a fetched item must
// clear to survive a fetch node's filtering pass (spec.md §4.4).
const QualityThreshold = 0.3

// MaxDetailFetch caps the pubs_fetch node's second, per-item detail pass.
const MaxDetailFetch = 50

// fetchNodeOrder is the canonical order used to chain fetch nodes when a
// router selects more than one; fixed order keeps checkpoint ids stable.
var fetchNodeOrder = []string{"pubs_fetch", "trials_fetch", "rag_fetch"}

// RoutingTable maps an intent to the ordered set of fetch nodes it
// triggers (spec.md §4.3).
var RoutingTable = map[frame.Intent][]string{
	frame.IntentRecentPubsByTopic:     {"pubs_fetch"},
	frame.IntentIndicationPhaseTrials: {"trials_fetch"},
	frame.IntentTrialsWithPubs:        {"trials_fetch", "pubs_fetch"},
	frame.IntentHybridSearch:          {"pubs_fetch", "trials_fetch", "rag_fetch"},
	frame.IntentCompanyPipeline:       {"trials_fetch", "pubs_fetch"},
}

// Router builds the router node: a pure Frame -> successor-set mapping
// that also applies the danger-zone conservative-routing hook (spec.md
// §4.5) by dropping the lowest-priority source when the run is already
// flagged.
func Router() graph.NodeFunc[state.RunState] {
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		targets := append([]string(nil), RoutingTable[s.Frame.Intent]...)
		if len(targets) == 0 {
			targets = []string{"pubs_fetch"}
		}
		targets = canonicalOrder(targets)

		if s.DangerZone && len(targets) > 1 {
			targets = targets[:len(targets)-1]
		}

		next := "synthesize"
		if len(targets) > 1 && s.Options.ParallelExecution {
			next = "fanout"
		} else if len(targets) > 0 {
			next = targets[0]
		}

		return graph.NodeResult[state.RunState]{
			Delta: state.RunState{
				RoutingDecision: targets,
				CompletedNodes:  []string{"router"},
			},
			Route: graph.Goto(next),
		}
	}
}

func canonicalOrder(targets []string) []string {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	ordered := make([]string, 0, len(targets))
	for _, t := range fetchNodeOrder {
		if set[t] {
			ordered = append(ordered, t)
		}
	}
	return ordered
}

// nextAfter returns the fetch node that should run after nodeID in the
// run's RoutingDecision chain, or "synthesize" if nodeID was last.
func nextAfter(s state.RunState, nodeID string) string {
	for i, n := range s.RoutingDecision {
		if n == nodeID && i+1 < len(s.RoutingDecision) {
			return s.RoutingDecision[i+1]
		}
	}
	return "synthesize"
}

// FetchConfig bundles a fetch node's dependencies.
type FetchConfig struct {
	NodeID      string
	Source      ratelimit.Source
	Client      sources.Client
	Cache       *cache.Cache
	Limiter     *ratelimit.Limiter
	ResultLimit int
	// DetailFetch enables the second per-item detail pass (pubs_fetch only).
	DetailFetch bool
	// Emit, if set, receives retry_attempt events as the node retries a
	// classified transient failure (spec.md §4.11). Nil disables event
	// emission without disabling retries.
	Emit func(emit.Event)
	// RetryBase/RetryMax override the default backoff base/cap. Zero
	// values fall back to DefaultRetryBase/DefaultRetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultRetryBase and DefaultRetryMax parameterize classify.ComputeDelay
// for fetch node retries (spec.md §4.6: "delay = min(base*2^attempt, 60s)
// + jitter").
const (
	DefaultRetryBase = 200 * time.Millisecond
	DefaultRetryMax  = 60 * time.Second
)

func (cfg FetchConfig) retryBase() time.Duration {
	if cfg.RetryBase > 0 {
		return cfg.RetryBase
	}
	return DefaultRetryBase
}

func (cfg FetchConfig) retryMax() time.Duration {
	if cfg.RetryMax > 0 {
		return cfg.RetryMax
	}
	return DefaultRetryMax
}

// FetchNode builds a fetch node over cfg.Client: cache-key construction,
// cache-then-network dispatch per the Frame's fetch policy, rate-limited
// adapter invocation, normalization, quality filtering, cross-entity
// dedup, deterministic sort, and (for pubs_fetch) a capped detail pass.
// Transient failures are retried in place, classified and backed off per
// spec.md §4.6, bounded by the node's own context deadline so a retry
// never spends more than the scheduler's per-node budget allocation.
func FetchNode(cfg FetchConfig) graph.NodeFunc[state.RunState] {
	return func(ctx context.Context, s state.RunState) graph.NodeResult[state.RunState] {
		start := time.Now()
		next := nextAfter(s, cfg.NodeID)
		rng, _ := ctx.Value(graph.RNGKey).(*rand.Rand)

		var items []sources.Item
		var ce *classify.Error
		for attempt := 0; ; attempt++ {
			var fetchErr error
			items, fetchErr = cfg.fetch(ctx, s)
			if fetchErr == nil {
				ce = nil
				break
			}

			ce = classify.Classify(cfg.NodeID, fetchErr)
			maxRetries := classify.MaxRetries(ce.Kind)
			if !classify.IsRetryable(ce.Kind) || attempt >= maxRetries {
				break
			}

			delay := classify.ComputeDelay(ce.Kind, attempt, cfg.retryBase(), cfg.retryMax(), rng)
			if cfg.Emit != nil {
				step, _ := ctx.Value(graph.StepIDKey).(int)
				cfg.Emit(events.NodeRetrying(s.RunID, step, cfg.NodeID, attempt+1, maxRetries, delay, string(ce.Kind)))
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				ce = classify.Classify(cfg.NodeID, ctx.Err())
			case <-timer.C:
				continue
			}
			break
		}

		if ce != nil {
			return graph.NodeResult[state.RunState]{
				Delta: state.RunState{
					Errors:           []*classify.Error{ce},
					CompletedNodes:   []string{cfg.NodeID},
					BudgetConsumedMS: time.Since(start).Milliseconds(),
				},
				Route: graph.Goto(next),
			}
		}

		items = filterAndSort(items)

		if cfg.DetailFetch && len(items) > 0 {
			items = enrichWithDetails(ctx, cfg, items)
		}

		return graph.NodeResult[state.RunState]{
			Delta: state.RunState{
				Results:          map[string][]sources.Item{string(cfg.Source): items},
				CompletedNodes:   []string{cfg.NodeID},
				BudgetConsumedMS: time.Since(start).Milliseconds(),
			},
			Route: graph.Goto(next),
		}
	}
}

func (cfg FetchConfig) fetch(ctx context.Context, s state.RunState) ([]sources.Item, error) {
	q := buildQuery(s.Frame, cfg.ResultLimit)
	key := cacheKey(cfg.NodeID, q)

	fill := func(ctx context.Context) (interface{}, error) {
		if err := cfg.Limiter.Wait(ctx, cfg.Source); err != nil {
			return nil, err
		}
		return cfg.Client.Search(ctx, q)
	}

	switch s.Frame.FetchPolicy {
	case frame.FetchCacheOnly:
		if v, ok := cfg.Cache.Get(key); ok {
			return v.([]sources.Item), nil
		}
		return nil, nil
	case frame.FetchNetworkOnly:
		v, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		items := v.([]sources.Item)
		cfg.Cache.Set(key, items)
		return items, nil
	default: // cache_then_network
		v, err := cfg.Cache.Fill(ctx, key, cache.DefaultTTL, fill)
		if err != nil {
			return nil, err
		}
		return v.([]sources.Item), nil
	}
}

func cacheKey(nodeID string, q sources.Query) string {
	parts := []string{
		nodeID, q.Topic, q.Indication, q.Company, q.TrialID,
		strings.Join(q.Phases, ","), strings.Join(q.Statuses, ","),
		fmt.Sprintf("%d-%d", q.YearMin, q.YearMax),
	}
	return strings.Join(parts, "|")
}

func buildQuery(f frame.Frame, limit int) sources.Query {
	return sources.Query{
		Topic:      f.Entities.Topic,
		Indication: f.Entities.Indication,
		Company:    f.Entities.Company,
		TrialID:    f.Entities.TrialID,
		Phases:     f.Filters.Phases,
		Statuses:   f.Filters.Statuses,
		YearMin:    f.Filters.YearMin,
		YearMax:    f.Filters.YearMax,
		Limit:      limit,
	}
}

// filterAndSort drops items below QualityThreshold on quality_score
// (distinct from relevance_score, spec.md §4.4 step 5), dedups by id,
// and sorts deterministically by relevance_score desc, year desc, id
// asc.
func filterAndSort(items []sources.Item) []sources.Item {
	seen := make(map[string]bool, len(items))
	out := make([]sources.Item, 0, len(items))
	for _, it := range items {
		if it.QualityScore < QualityThreshold {
			continue
		}
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		if out[i].Year != out[j].Year {
			return out[i].Year > out[j].Year
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func enrichWithDetails(ctx context.Context, cfg FetchConfig, items []sources.Item) []sources.Item {
	n := len(items)
	if n > MaxDetailFetch {
		n = MaxDetailFetch
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = items[i].ID
	}

	details, err := cfg.Client.FetchDetails(ctx, ids)
	if err != nil {
		return items
	}

	byID := make(map[string]sources.Item, len(details))
	for _, d := range details {
		byID[d.ID] = d
	}
	for i := range items[:n] {
		if d, ok := byID[items[i].ID]; ok && d.Snippet != "" {
			items[i].Snippet = d.Snippet
		}
	}
	return items
}

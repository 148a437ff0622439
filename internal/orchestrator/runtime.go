package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/biomedorch/orchestrator/graph"
	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/graph/model/anthropic"
	"github.com/biomedorch/orchestrator/graph/store"
	"github.com/biomedorch/orchestrator/internal/budget"
	"github.com/biomedorch/orchestrator/internal/cache"
	"github.com/biomedorch/orchestrator/internal/checkpoint"
	"github.com/biomedorch/orchestrator/internal/config"
	"github.com/biomedorch/orchestrator/internal/events"
	"github.com/biomedorch/orchestrator/internal/frame"
	"github.com/biomedorch/orchestrator/internal/nodes"
	"github.com/biomedorch/orchestrator/internal/ratelimit"
	"github.com/biomedorch/orchestrator/internal/sources"
	"github.com/biomedorch/orchestrator/internal/state"
	"github.com/biomedorch/orchestrator/internal/synthesize"
)

// RunRecord is the registry entry Submit creates and Get/List read back.
// State is replaced wholesale on every update rather than mutated field
// by field, so a concurrent Get never observes a half-written run.
type RunRecord struct {
	RunID     string
	Status    events.RunStatus
	State     state.RunState
	Err       error
	CreatedAt time.Time
}

// Runtime wires every domain package into one runnable engine and keeps
// an in-memory registry of runs, following the teacher's example-main
// wiring pattern (examples/sqlite_quickstart, examples/prometheus_monitoring)
// generalized into a reusable constructor instead of an inline main().
type Runtime struct {
	cfg       config.Config
	engine    *graph.Engine[state.RunState]
	stepStore store.Store[state.RunState]
	bus       *events.Bus
	tracer    *tracingEmitter
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	checkpts  *checkpoint.Store
	parser    *frame.Parser
	weights   synthesize.QualityWeights
	fetchRaw  map[string]graph.NodeFunc[state.RunState]

	mu   sync.RWMutex
	runs map[string]*RunRecord
}

// NewRuntime builds a Runtime from cfg: deterministic stub source clients
// (no live network adapter is wired in spec.md's scope), a shared Bus/
// Cache/Limiter/checkpoint Store, and a fully-registered, compiled
// engine.
func NewRuntime(cfg config.Config) (*Runtime, error) {
	pubsClient := sources.NewStubClient("pubs", "publication", 150*time.Millisecond, nil)
	trialsClient := sources.NewStubClient("trials", "trial", 150*time.Millisecond, nil)
	ragClient := sources.NewStubClient("rag", "rag_chunk", 100*time.Millisecond, nil)
	return newRuntimeWithClients(cfg, pubsClient, trialsClient, ragClient)
}

// newRuntimeWithClients is NewRuntime's constructor body, parameterized
// over the three source clients so package tests can substitute clients
// with controlled latency and injected failures (spec.md §8's end-to-end
// scenarios require exact timing and failure sequences a fixed stub
// cannot produce).
func newRuntimeWithClients(cfg config.Config, pubsClient, trialsClient, ragClient sources.Client) (*Runtime, error) {
	bus := events.NewBus()
	c := cache.New(cfg.CacheTTL())
	limiter := ratelimit.New(map[ratelimit.Source]ratelimit.Config{
		ratelimit.SourcePubs:   {RatePerSecond: cfg.PubsRPS, Burst: int(cfg.PubsRPS * 2)},
		ratelimit.SourceTrials: {RatePerSecond: cfg.TrialsRPS, Burst: int(cfg.TrialsRPS * 2)},
		ratelimit.SourceRAG:    {RatePerSecond: cfg.RAGRPS, Burst: int(cfg.RAGRPS * 3)},
	})
	checkptBacking := store.Store[state.RunState](store.NewMemStore[state.RunState]())
	if cfg.CheckpointDBPath != "" {
		sqliteStore, err := store.NewSQLiteStore[state.RunState](cfg.CheckpointDBPath)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open checkpoint db %q: %w", cfg.CheckpointDBPath, err)
		}
		checkptBacking = sqliteStore
	}
	cps := checkpoint.NewStore(checkptBacking).
		WithTTL(cfg.CheckpointTTL())
	tracer := newTracingEmitter(bus)

	parser := frame.NewParser()
	if cfg.AnthropicAPIKey != "" {
		parser = parser.WithLLM(anthropic.NewChatModel(cfg.AnthropicAPIKey, cfg.AnthropicModel))
	}

	rt := &Runtime{
		cfg:      cfg,
		bus:      bus,
		tracer:   tracer,
		cache:    c,
		limiter:  limiter,
		checkpts: cps,
		parser:   parser,
		weights:  synthesize.DefaultQualityWeights,
		fetchRaw: make(map[string]graph.NodeFunc[state.RunState], 3),
		runs:     make(map[string]*RunRecord),
	}

	rt.fetchRaw["pubs_fetch"] = nodes.FetchNode(nodes.FetchConfig{
		NodeID: "pubs_fetch", Source: ratelimit.SourcePubs, Client: pubsClient,
		Cache: c, Limiter: limiter, ResultLimit: 20, DetailFetch: true, Emit: tracer.Emit,
	})
	rt.fetchRaw["trials_fetch"] = nodes.FetchNode(nodes.FetchConfig{
		NodeID: "trials_fetch", Source: ratelimit.SourceTrials, Client: trialsClient,
		Cache: c, Limiter: limiter, ResultLimit: 20, Emit: tracer.Emit,
	})
	rt.fetchRaw["rag_fetch"] = nodes.FetchNode(nodes.FetchConfig{
		NodeID: "rag_fetch", Source: ratelimit.SourceRAG, Client: ragClient,
		Cache: c, Limiter: limiter, ResultLimit: 20, Emit: tracer.Emit,
	})

	stepStore := store.NewMemStore[state.RunState]()
	eng := graph.New[state.RunState](state.Reducer, stepStore, tracer, graph.Options{})

	if err := eng.Add("frame_parse", withMiddleware("frame_parse", tracer.Emit, parseNode(rt.parser, tracer.Emit))); err != nil {
		return nil, err
	}
	if err := eng.Add("router", withMiddleware("router", tracer.Emit, routerNode(tracer.Emit))); err != nil {
		return nil, err
	}
	for nodeID, fn := range rt.fetchRaw {
		if err := eng.Add(nodeID, withMiddleware(nodeID, tracer.Emit, fn)); err != nil {
			return nil, err
		}
	}
	if err := eng.Add("fanout", fanoutNode(rt.fetchRaw, tracer.Emit)); err != nil {
		return nil, err
	}
	if err := eng.Add("synthesize", withMiddleware("synthesize", tracer.Emit, synthNode(rt.weights, tracer.Emit))); err != nil {
		return nil, err
	}
	if err := eng.StartAt("frame_parse"); err != nil {
		return nil, err
	}
	if err := eng.Compile(); err != nil {
		return nil, err
	}
	rt.engine = eng
	rt.stepStore = stepStore

	return rt, nil
}

// Bus exposes the runtime's event bus for SSE subscription.
func (rt *Runtime) Bus() *events.Bus { return rt.bus }

// Submit starts a new run asynchronously and returns its run id
// immediately; callers observe progress via Bus().Subscribe or poll Get.
func (rt *Runtime) Submit(query string, opts state.Options) string {
	opts = applyOptionDefaults(opts)

	runID := uuid.NewString()
	initial := state.NewRunState(runID, query).WithOptions(opts)
	initial.BudgetTotalMS = opts.BudgetMS

	rec := &RunRecord{RunID: runID, Status: events.StatusPending, State: initial, CreatedAt: time.Now().UTC()}
	rt.mu.Lock()
	rt.runs[runID] = rec
	rt.mu.Unlock()

	go rt.run(runID, initial, opts)

	return runID
}

// applyOptionDefaults fills the zero-value-but-documented-default
// fields of Options: a bare state.Options{} from an API request body
// must behave like the spec's documented defaults, not like every knob
// disabled, since Go's zero value for bool is false and for int is 0.
func applyOptionDefaults(o state.Options) state.Options {
	if o.BudgetMS <= 0 {
		o.BudgetMS = 8000
	}
	if o.MaxResultsPerSource <= 0 {
		o.MaxResultsPerSource = 20
	}
	if o.QualityThreshold <= 0 {
		o.QualityThreshold = nodes.QualityThreshold
	}
	if o.CitationFormat == "" {
		o.CitationFormat = "inline"
	}
	if o.RetryStrategy == "" {
		o.RetryStrategy = "exponential"
	}
	if o.Priority == "" {
		o.Priority = "normal"
	}
	// IncludeSynthesis is the one bool that defaults true; callers who
	// truly want it off must set it explicitly via a pointer-free
	// sentinel is unavailable here, so Submit's caller (the API layer)
	// is responsible for setting it true unless the request body
	// explicitly asked for raw results only. See api package.
	return o
}

func (rt *Runtime) run(runID string, initial state.RunState, opts state.Options) {
	rt.setStatus(runID, events.StatusRunning, initial)
	rt.tracer.Emit(events.RunStarted(runID, initial.Query))

	total := time.Duration(opts.BudgetMS) * time.Millisecond
	if total <= 0 {
		total = rt.cfg.BudgetDuration()
	}
	if max := rt.cfg.MaxBudgetDuration(); max > 0 && total > max {
		total = max
	}

	// frame.Parse is a pure, deterministic rule-based function (no
	// network I/O), so it's cheap enough to run once here to learn the
	// run's intent before the ledger is built. This lets the ledger use
	// real per-intent weights (the router's actual active fetch nodes)
	// instead of a fixed DefaultWeights split; frame_parse re-runs the
	// identical computation inside the engine and overwrites Frame with
	// the same value, so this is redundant work, not a second source of
	// truth. The remaining 10% reserve absorbs engine bookkeeping that
	// no single node's allocation accounts for (spec.md §4.5).
	parsedFrame, _ := rt.parser.Parse(context.Background(), initial.Query)
	activeFetch := nodes.RoutingTable[parsedFrame.Intent]
	if len(activeFetch) == 0 {
		activeFetch = []string{"pubs_fetch"}
	}
	ledger := budget.NewLedger(budget.Reserve(total), budget.WeightsForIntent(activeFetch))
	ctx := withLedger(context.Background(), ledger)
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	final, err := rt.engine.Run(ctx, runID, initial)
	if err != nil {
		// Engine.Run returns the zero state alongside ctx.Err() when the
		// run's wall-clock budget expires between steps, discarding
		// everything accumulated so far. The engine still persisted every
		// completed step via SaveStep, so recover the last one from the
		// same store instead of reporting an empty run.
		if salvaged, _, loadErr := rt.stepStore.LoadLatest(context.Background(), runID); loadErr == nil {
			final = salvaged
		}
	}
	final.RunID = runID
	final.CompletedAt = time.Now().UTC()
	final.BudgetConsumedMS = ledger.ConsumedDuration().Milliseconds()
	final.BudgetTotalMS = total.Milliseconds()

	// incomplete is true when the run didn't finish everything it set
	// out to do: a hard error, a classified node error, or fewer fetch
	// sources completed than the router intended (the timeout case,
	// since Engine.Run's ctx.Err() surfaces as err above). A timeout or
	// error only salvages to Partial when the caller opted in via
	// EnablePartialResults; otherwise the run must end Failed with no
	// synthesis artifacts (spec.md §4.5/§8: "enable_partial_results=false
	// + forced timeout: run ends in Failed; no synthesis artifacts
	// emitted"). DangerZone alone (budget pressure but everything the
	// router intended still completed) downgrades to Partial regardless
	// of the option, since nothing was actually dropped.
	incomplete := err != nil || len(final.Errors) > 0 ||
		(len(final.RoutingDecision) > 0 && len(final.CompletedFetchSources()) < len(final.RoutingDecision))

	status := events.StatusCompleted
	switch {
	case incomplete && (!opts.EnablePartialResults || len(final.Results) == 0):
		status = events.StatusFailed
	case incomplete, ledger.InDangerZone():
		status = events.StatusPartial
	}
	final.Status = status

	if status == events.StatusFailed {
		final.Answer = ""
		final.QualityScore = 0
	}

	if opts.CheckpointEnabled && status != events.StatusFailed {
		id := rt.saveCheckpoint(context.Background(), final)
		final.CheckpointID = id
	}

	rt.setStatusErr(runID, status, final, err)

	if status == events.StatusPartial {
		rt.tracer.Emit(events.PartialResults(runID, len(final.CompletedNodes), partialReason(err), completionPercent(final), final.CompletedFetchSources()))
	}
	if status == events.StatusFailed {
		kind := "unknown"
		msg := "run failed"
		if err != nil {
			msg = err.Error()
		} else if len(final.Errors) > 0 {
			kind = string(final.Errors[len(final.Errors)-1].Kind)
			msg = final.Errors[len(final.Errors)-1].Message
		}
		rt.tracer.Emit(events.RunFailed(runID, len(final.CompletedNodes), kind, msg))
	}
	rt.tracer.Emit(events.RunCompleted(runID, len(final.CompletedNodes), status, final.CompletedAt.Sub(final.StartedAt)))
}

func partialReason(err error) string {
	if err != nil {
		return "timeout"
	}
	return "error"
}

func completionPercent(s state.RunState) int {
	total := len(s.RoutingDecision)
	if total == 0 {
		return 100
	}
	done := len(s.CompletedFetchSources())
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (rt *Runtime) saveCheckpoint(ctx context.Context, s state.RunState) string {
	id := checkpoint.ComputeID(time.Now(), s.Query, string(s.Frame.Intent), sourceCounts(s))
	_ = rt.checkpts.Save(ctx, id, s, len(s.CompletedNodes))
	return id
}

func sourceCounts(s state.RunState) map[string]int {
	counts := make(map[string]int, len(s.Results))
	for src, items := range s.Results {
		counts[src] = len(items)
	}
	return counts
}

func (rt *Runtime) setStatus(runID string, status events.RunStatus, s state.RunState) {
	rt.setStatusErr(runID, status, s, nil)
}

func (rt *Runtime) setStatusErr(runID string, status events.RunStatus, s state.RunState, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec, ok := rt.runs[runID]
	if !ok {
		rec = &RunRecord{RunID: runID}
		rt.runs[runID] = rec
	}
	rec.Status = status
	rec.State = s
	rec.Err = err
}

// Get returns the current record for runID.
func (rt *Runtime) Get(runID string) (*RunRecord, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	rec, ok := rt.runs[runID]
	return rec, ok
}

// List returns every tracked run, most recently created first.
func (rt *Runtime) List() []*RunRecord {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*RunRecord, 0, len(rt.runs))
	for _, r := range rt.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Active returns the run ids whose status has not yet reached a
// terminal state.
func (rt *Runtime) Active() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []string
	for id, r := range rt.runs {
		if !events.IsTerminal(r.Status) {
			out = append(out, id)
		}
	}
	return out
}

// Synthesis re-derives the full synthesize.Result (including citations,
// which RunState itself does not persist) for a completed or partial
// run. A Failed run emits no synthesis artifacts (spec.md §4.5/§8).
func (rt *Runtime) Synthesis(runID string) (synthesize.Result, error) {
	rec, ok := rt.Get(runID)
	if !ok {
		return synthesize.Result{}, fmt.Errorf("orchestrator: unknown run %q", runID)
	}
	if rec.Status == events.StatusFailed {
		return synthesize.Result{}, fmt.Errorf("orchestrator: run %q failed, no synthesis artifacts", runID)
	}
	return synthesize.SynthesizeWithWeights(rec.State, rt.weights), nil
}

// MiddlewareStatus summarizes the node-level instrumentation every
// registered node shares, for the capabilities/middleware-status
// introspection endpoints.
func (rt *Runtime) MiddlewareStatus() map[string]interface{} {
	return map[string]interface{}{
		"budget_allocation": true,
		"event_emission":    true,
		"tracing":           true,
		"panic_recovery":    true,
		"danger_zone_flag":  true,
		"nodes":             []string{"frame_parse", "router", "pubs_fetch", "trials_fetch", "rag_fetch", "fanout", "synthesize"},
	}
}

var _ emit.Emitter = (*events.Bus)(nil)

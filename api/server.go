package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/biomedorch/orchestrator/internal/orchestrator"
)

// Server holds the dependencies every handler needs and owns the
// *http.ServeMux routing table. Built directly on net/http's 1.22+
// method+wildcard pattern matching, so no third-party router is needed.
type Server struct {
	rt        *orchestrator.Runtime
	startedAt time.Time
}

// NewServer builds a Server over an already-constructed Runtime.
func NewServer(rt *orchestrator.Runtime) *Server {
	return &Server{rt: rt, startedAt: time.Now().UTC()}
}

// Handler returns the fully-routed http.Handler for this Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/research/query", s.handleSubmitQuery)
	mux.HandleFunc("GET /api/research/stream/{run_id}", s.handleStream)
	mux.HandleFunc("GET /api/research/query/{run_id}", s.handleGetQuery)
	mux.HandleFunc("GET /api/research/active-queries", s.handleActiveQueries)
	mux.HandleFunc("GET /api/research/synthesis/{run_id}", s.handleSynthesis)
	mux.HandleFunc("GET /api/orchestrator/visualization", s.handleVisualization)
	mux.HandleFunc("GET /api/orchestrator/status", s.handleStatus)
	mux.HandleFunc("GET /api/orchestrator/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/orchestrator/middleware-status", s.handleMiddlewareStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusUnprocessableEntity, "empty_query", "query must not be empty")
		return
	}

	opts, err := parseOptions(req.Options, req.RequestedSources)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_options", err.Error())
		return
	}

	runID := s.rt.Submit(req.Query, opts)

	estimate := opts.BudgetMS
	if estimate == 0 {
		estimate = 8000
	}

	writeJSON(w, http.StatusOK, queryResponse{
		RunID:                 runID,
		Status:                "pending",
		StreamURL:             "/api/research/stream/" + runID,
		EstimatedCompletionMS: estimate,
		CreatedAt:             time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	rec, ok := s.rt.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_run", "no run with that id")
		return
	}
	writeJSON(w, http.StatusOK, snapshotToDTO(rec.State))
}

func (s *Server) handleActiveQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"active_queries": s.rt.Active()})
}

func (s *Server) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	rec, ok := s.rt.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_run", "no run with that id")
		return
	}
	if !isSynthesisReady(rec.Status) {
		writeError(w, http.StatusUnprocessableEntity, "not_ready", "run has not reached a terminal state with synthesis")
		return
	}

	result, err := s.rt.Synthesis(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "synthesis_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, synthesisToDTO(runID, result))
}

func (s *Server) handleVisualization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": []map[string]string{
			{"id": "frame_parse", "label": "Parse Intent", "type": "processor"},
			{"id": "router", "label": "Route", "type": "decision"},
			{"id": "pubs_fetch", "label": "Fetch Publications", "type": "tool"},
			{"id": "trials_fetch", "label": "Fetch Trials", "type": "tool"},
			{"id": "rag_fetch", "label": "Fetch RAG", "type": "tool"},
			{"id": "fanout", "label": "Parallel Fan-out", "type": "decision"},
			{"id": "synthesize", "label": "Synthesize", "type": "processor"},
		},
		"edges": []map[string]string{
			{"from": "frame_parse", "to": "router"},
			{"from": "router", "to": "pubs_fetch"},
			{"from": "router", "to": "trials_fetch"},
			{"from": "router", "to": "rag_fetch"},
			{"from": "router", "to": "fanout"},
			{"from": "pubs_fetch", "to": "synthesize"},
			{"from": "trials_fetch", "to": "synthesize"},
			{"from": "rag_fetch", "to": "synthesize"},
			{"from": "fanout", "to": "synthesize"},
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":     true,
		"status":      "operational",
		"initialized": true,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources":             []string{"publications", "trials", "rag"},
		"intents":             []string{"recent_pubs_by_topic", "indication_phase_trials", "trials_with_pubs", "hybrid_search", "company_pipeline"},
		"default_budget_ms":   8000,
		"max_budget_ms":       30000,
		"max_parallel_nodes":  8,
		"middleware":          s.rt.MiddlewareStatus(),
	})
}

func (s *Server) handleMiddlewareStatus(w http.ResponseWriter, r *http.Request) {
	status := s.rt.MiddlewareStatus()
	status["active_runs"] = len(s.rt.Active())
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"components": map[string]string{
			"cache":      "ok",
			"checkpoint": "ok",
			"event_bus":  "ok",
		},
		"active_queries": len(s.rt.Active()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

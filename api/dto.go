package api

import (
	"time"

	"github.com/biomedorch/orchestrator/internal/classify"
	"github.com/biomedorch/orchestrator/internal/frame"
	"github.com/biomedorch/orchestrator/internal/sources"
	"github.com/biomedorch/orchestrator/internal/state"
	"github.com/biomedorch/orchestrator/internal/synthesize"
)

type queryRequest struct {
	Query           string                 `json:"query"`
	RequestedSources []string              `json:"requested_sources,omitempty"`
	Options         map[string]interface{} `json:"options,omitempty"`
}

type queryResponse struct {
	RunID                 string `json:"run_id"`
	Status                string `json:"status"`
	StreamURL             string `json:"stream_url"`
	EstimatedCompletionMS int64  `json:"estimated_completion_ms"`
	CreatedAt             string `json:"created_at"`
}

type frameDTO struct {
	Intent      string   `json:"intent"`
	Topic       string   `json:"topic,omitempty"`
	Indication  string   `json:"indication,omitempty"`
	Company     string   `json:"company,omitempty"`
	TrialID     string   `json:"trial_id,omitempty"`
	Phases      []string `json:"phases,omitempty"`
	Statuses    []string `json:"statuses,omitempty"`
	YearMin     int      `json:"year_min,omitempty"`
	YearMax     int      `json:"year_max,omitempty"`
	FetchPolicy string   `json:"fetch_policy"`
	Confidence  float64  `json:"confidence"`
}

func frameToDTO(f frame.Frame) frameDTO {
	return frameDTO{
		Intent:      string(f.Intent),
		Topic:       f.Entities.Topic,
		Indication:  f.Entities.Indication,
		Company:     f.Entities.Company,
		TrialID:     f.Entities.TrialID,
		Phases:      f.Filters.Phases,
		Statuses:    f.Filters.Statuses,
		YearMin:     f.Filters.YearMin,
		YearMax:     f.Filters.YearMax,
		FetchPolicy: string(f.FetchPolicy),
		Confidence:  f.Confidence,
	}
}

type itemDTO struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Year           int     `json:"year"`
	RelevanceScore float64 `json:"relevance_score"`
	QualityScore   float64 `json:"quality_score"`
	Authority      float64 `json:"authority"`
	Kind           string  `json:"kind"`
	URL            string  `json:"url,omitempty"`
	Snippet        string  `json:"snippet,omitempty"`
}

func itemsToDTO(items []sources.Item) []itemDTO {
	out := make([]itemDTO, len(items))
	for i, it := range items {
		out[i] = itemDTO{
			ID: it.ID, Title: it.Title, Year: it.Year,
			RelevanceScore: it.RelevanceScore, QualityScore: it.QualityScore,
			Authority: it.Authority,
			Kind:      it.Kind, URL: it.URL, Snippet: it.Snippet,
		}
	}
	return out
}

type errorEntryDTO struct {
	Node           string `json:"node"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	Severity       string `json:"severity"`
	RecoveryAction string `json:"recovery_action"`
}

func errorsToDTO(errs []*classify.Error) []errorEntryDTO {
	out := make([]errorEntryDTO, len(errs))
	for i, e := range errs {
		out[i] = errorEntryDTO{
			Node: e.Node, Kind: string(e.Kind), Message: e.Message,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Severity:  e.Severity, RecoveryAction: string(e.RecoveryAction),
		}
	}
	return out
}

type runSnapshotDTO struct {
	RunID            string             `json:"run_id"`
	Query            string             `json:"query"`
	Status           string             `json:"status"`
	Frame            frameDTO           `json:"frame"`
	NodePath         []string           `json:"node_path"`
	Results          map[string][]itemDTO `json:"results"`
	Errors           []errorEntryDTO    `json:"errors"`
	Answer           string             `json:"answer,omitempty"`
	QualityScore     float64            `json:"quality_score,omitempty"`
	CheckpointID     string             `json:"checkpoint_id,omitempty"`
	BudgetConsumedMS int64              `json:"budget_consumed_ms"`
	BudgetTotalMS    int64              `json:"budget_total_ms"`
	DangerZone       bool               `json:"danger_zone"`
	CreatedAt        string             `json:"created_at"`
	CompletedAt      string             `json:"completed_at,omitempty"`
}

func snapshotToDTO(s state.RunState) runSnapshotDTO {
	results := make(map[string][]itemDTO, len(s.Results))
	for src, items := range s.Results {
		results[src] = itemsToDTO(items)
	}

	dto := runSnapshotDTO{
		RunID: s.RunID, Query: s.Query, Status: string(s.Status),
		Frame: frameToDTO(s.Frame), NodePath: s.CompletedNodes,
		Results: results, Errors: errorsToDTO(s.Errors),
		Answer: s.Answer, QualityScore: s.QualityScore,
		CheckpointID: s.CheckpointID, BudgetConsumedMS: s.BudgetConsumedMS,
		BudgetTotalMS: s.BudgetTotalMS, DangerZone: s.DangerZone,
		CreatedAt: s.StartedAt.UTC().Format(time.RFC3339),
	}
	if !s.CompletedAt.IsZero() {
		dto.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

type citationDTO struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Source string `json:"source"`
	URL    string `json:"url,omitempty"`
	Year   int    `json:"year,omitempty"`
	Index  int    `json:"index"`
}

type synthesisDTO struct {
	RunID        string        `json:"run_id"`
	Answer       string        `json:"answer"`
	Citations    []citationDTO `json:"citations"`
	QualityScore float64       `json:"quality_score"`
	Template     string        `json:"template"`
}

func synthesisToDTO(runID string, r synthesize.Result) synthesisDTO {
	citations := make([]citationDTO, len(r.Citations))
	for i, c := range r.Citations {
		citations[i] = citationDTO{
			ID: c.ID, Title: c.Title, Source: c.Source, URL: c.URL,
			Year: c.Year, Index: i + 1,
		}
	}
	return synthesisDTO{
		RunID: runID, Answer: r.Answer, Citations: citations,
		QualityScore: r.QualityScore, Template: string(r.Template),
	}
}

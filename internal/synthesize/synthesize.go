// Package synthesize renders a research run's accumulated fetch results
// into a cited answer, selecting one of four templates by result
// coverage and scoring the result's quality.
package synthesize

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/biomedorch/orchestrator/internal/sources"
	"github.com/biomedorch/orchestrator/internal/state"
)

// Template names the four answer shapes spec.md §4.9 selects between.
type Template string

const (
	TemplateComprehensive Template = "comprehensive"
	TemplatePartial       Template = "partial"
	TemplateMinimal       Template = "minimal"
	TemplateEmpty         Template = "empty"
)

// MaxCitations caps the rendered citation list.
const MaxCitations = 20

// QualityWeights holds the five-term weighted quality score coefficients
// (spec.md §4.9 Open Question, resolved to the spec's own defaults).
type QualityWeights struct {
	Completeness float64
	Recency      float64
	Authority    float64
	Diversity    float64
	Relevance    float64
}

// DefaultQualityWeights are the spec-prescribed defaults.
var DefaultQualityWeights = QualityWeights{
	Completeness: 0.25,
	Recency:      0.20,
	Authority:    0.25,
	Diversity:    0.15,
	Relevance:    0.15,
}

// Citation is a de-duplicated, rendered reference to one fetched item.
type Citation struct {
	ID     string
	Title  string
	Source string
	URL    string
	Year   int
}

// Result is the synthesizer's output, merged into RunState.Answer /
// RunState.QualityScore by the caller.
type Result struct {
	Answer       string
	Citations    []Citation
	QualityScore float64
	Template     Template
}

// Synthesize renders s's accumulated results into a Result using
// DefaultQualityWeights.
func Synthesize(s state.RunState) Result {
	return SynthesizeWithWeights(s, DefaultQualityWeights)
}

// SynthesizeWithWeights renders s's accumulated results using a
// caller-supplied weight table. internal/config has no weight settings;
// the orchestrator runtime passes DefaultQualityWeights.
func SynthesizeWithWeights(s state.RunState, weights QualityWeights) Result {
	citations, citedItems := extractCitations(s.Results)
	tmpl := selectTemplate(s, citations)
	score := qualityScore(s, citedItems, weights)

	return Result{
		Answer:       renderAnswer(tmpl, s, citations),
		Citations:    citations,
		QualityScore: score,
		Template:     tmpl,
	}
}

func selectTemplate(s state.RunState, citations []Citation) Template {
	if len(citations) == 0 {
		return TemplateEmpty
	}

	intended := len(s.RoutingDecision)
	completed := len(s.CompletedFetchSources())

	switch {
	case intended > 0 && completed >= intended && len(s.Errors) == 0 && len(citations) >= 3:
		return TemplateComprehensive
	case completed < intended || len(s.Errors) > 0:
		return TemplatePartial
	default:
		return TemplateMinimal
	}
}

func renderAnswer(tmpl Template, s state.RunState, citations []Citation) string {
	switch tmpl {
	case TemplateEmpty:
		return fmt.Sprintf("No results were found for %q across the selected sources.", s.Query)
	case TemplateMinimal:
		return fmt.Sprintf("Found %d result(s) for %q. Coverage was limited; consider broadening the query.", len(citations), s.Query)
	case TemplatePartial:
		return fmt.Sprintf(
			"Partial results for %q: %d citation(s) gathered from %d of %d intended source(s). Some sources did not complete.",
			s.Query, len(citations), len(s.CompletedFetchSources()), len(s.RoutingDecision),
		)
	default:
		return fmt.Sprintf(
			"Comprehensive results for %q: %d citation(s) gathered across all %d intended source(s).",
			s.Query, len(citations), len(s.RoutingDecision),
		)
	}
}

// extractCitations de-duplicates fetched items by id across all sources,
// sorts them relevance desc / year desc / id asc, and truncates to
// MaxCitations. It returns both the rendered Citation list and the
// underlying Item list (same order, same truncation) so qualityScore can
// score exactly what got cited, not the raw per-source result sets.
func extractCitations(results map[string][]sources.Item) ([]Citation, []sources.Item) {
	seen := make(map[string]bool)
	var items []sources.Item
	for _, list := range results {
		for _, it := range list {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			items = append(items, it)
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].RelevanceScore != items[j].RelevanceScore {
			return items[i].RelevanceScore > items[j].RelevanceScore
		}
		if items[i].Year != items[j].Year {
			return items[i].Year > items[j].Year
		}
		return items[i].ID < items[j].ID
	})

	if len(items) > MaxCitations {
		items = items[:MaxCitations]
	}

	citations := make([]Citation, len(items))
	for i, it := range items {
		citations[i] = Citation{ID: it.ID, Title: it.Title, Source: it.Kind, URL: it.URL, Year: it.Year}
	}
	return citations, items
}

// recencyCurrentYear anchors the recency threshold formula; a var
// (rather than a call to time.Now() at score time) keeps Synthesize
// deterministic within a single process run while still tracking wall
// clock across restarts.
var recencyCurrentYear = time.Now().Year()

// recencyWeight scores one cited item's age per spec.md §4.9: items
// published within the last 5 years count fully, and items within the
// last 2 years earn an extra half-weight recency bonus on top.
func recencyWeight(year int) float64 {
	if year < recencyCurrentYear-5 {
		return 0
	}
	w := 1.0
	if year >= recencyCurrentYear-2 {
		w += 0.5
	}
	return w
}

// qualityScore scores completeness over the run's full routing decision,
// but recency/authority/relevance/diversity are computed over citedItems
// — the de-duplicated, MaxCitations-capped set extractCitations actually
// rendered — not s.Results, since scoring raw per-source results would
// double-count entities two sources both returned and count items that
// never made it into the displayed citation list (spec.md §4.9).
func qualityScore(s state.RunState, citedItems []sources.Item, w QualityWeights) float64 {
	completeness := 1.0
	if len(s.RoutingDecision) > 0 {
		completeness = float64(len(s.CompletedFetchSources())) / float64(len(s.RoutingDecision))
	}

	var recencySum, authoritySum, relevanceSum float64
	kinds := make(map[string]bool)
	for _, it := range citedItems {
		recencySum += recencyWeight(it.Year)
		authoritySum += clamp01(it.Authority)
		relevanceSum += clamp01(it.RelevanceScore)
		kinds[it.Kind] = true
	}

	var recency, authority, relevance float64
	if n := len(citedItems); n > 0 {
		recency = clamp01(recencySum / float64(n))
		authority = authoritySum / float64(n)
		relevance = relevanceSum / float64(n)
	}

	const maxSources = 3.0
	sourcesContributing := float64(len(s.CompletedFetchSources()))
	if sourcesContributing > maxSources {
		sourcesContributing = maxSources
	}
	typeBuckets := float64(len(kinds))
	if typeBuckets > maxSources {
		typeBuckets = maxSources
	}
	diversity := clamp01((sourcesContributing / maxSources) * (typeBuckets / maxSources))

	score := w.Completeness*completeness +
		w.Recency*recency +
		w.Authority*authority +
		w.Diversity*diversity +
		w.Relevance*relevance

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CitationLines renders citations as a numbered reference list, useful
// for plain-text rendering contexts.
func CitationLines(citations []Citation) []string {
	lines := make([]string, len(citations))
	for i, c := range citations {
		title := c.Title
		if title == "" {
			title = c.ID
		}
		lines[i] = fmt.Sprintf("[%d] %s (%s, %d) %s", i+1, title, c.Source, c.Year, strings.TrimSpace(c.URL))
	}
	return lines
}

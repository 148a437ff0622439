// Package frame parses a natural-language research question into a
// structured Frame: intent, entities, filters, and a fetch policy.
package frame

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/biomedorch/orchestrator/graph/model"
)

// Intent classifies what kind of research question was asked.
type Intent string

const (
	IntentRecentPubsByTopic     Intent = "recent_pubs_by_topic"
	IntentIndicationPhaseTrials Intent = "indication_phase_trials"
	IntentTrialsWithPubs        Intent = "trials_with_pubs"
	IntentHybridSearch          Intent = "hybrid_search"
	IntentCompanyPipeline       Intent = "company_pipeline"
)

// FetchPolicy controls whether a fetch node may consult the cache, the
// network, or both.
type FetchPolicy string

const (
	FetchCacheOnly       FetchPolicy = "cache_only"
	FetchCacheThenNetwork FetchPolicy = "cache_then_network"
	FetchNetworkOnly     FetchPolicy = "network_only"
)

// ConfidenceThreshold is the minimum parser confidence before the backstop
// (recent_pubs_by_topic seeded from the raw query) takes over.
const ConfidenceThreshold = 0.5

// Entities holds the slots the rule-based and LLM extraction stages fill.
type Entities struct {
	Topic      string
	Indication string
	Company    string
	TrialID    string
}

// Filters narrows a fetch to a phase/status/date/year window.
type Filters struct {
	Phases             []string
	Statuses           []string
	PublishedWithinDays int
	YearMin            int
	YearMax            int
}

// Frame is the parsed representation of a research question.
type Frame struct {
	Intent      Intent
	Entities    Entities
	Filters     Filters
	FetchPolicy FetchPolicy
	Confidence  float64
	RawQuery    string
}

// ErrEmptyQuery is returned when Parse is given empty/whitespace-only input.
var ErrEmptyQuery = errors.New("frame: empty query")

var (
	nctPattern  = regexp.MustCompile(`(?i)\bNCT\d{8}\b`)
	pmidPattern = regexp.MustCompile(`(?i)\bPMID:?\s*(\d{1,9})\b`)
	yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

	phaseTerms = map[string]string{
		"phase 1": "PHASE1", "phase i": "PHASE1",
		"phase 2": "PHASE2", "phase ii": "PHASE2",
		"phase 3": "PHASE3", "phase iii": "PHASE3",
		"phase 4": "PHASE4", "phase iv": "PHASE4",
	}

	statusTerms = map[string]string{
		"recruiting":      "RECRUITING",
		"completed":       "COMPLETED",
		"active":          "ACTIVE_NOT_RECRUITING",
		"not yet recruiting": "NOT_YET_RECRUITING",
		"terminated":      "TERMINATED",
		"withdrawn":       "WITHDRAWN",
	}

	// companyLexicon is a small, illustrative dictionary; production
	// deployments are expected to load this from configuration.
	companyLexicon = []string{
		"pfizer", "novartis", "roche", "merck", "astrazeneca",
		"sanofi", "gsk", "eli lilly", "bristol myers squibb",
		"johnson & johnson", "amgen", "gilead", "regeneron",
		"moderna", "biogen", "vertex",
	}

	// indicationLexicon is a small, illustrative dictionary of disease
	// areas; production deployments are expected to load this from
	// configuration or an ontology service.
	indicationLexicon = []string{
		"cardiovascular", "oncology", "diabetes", "obesity",
		"alzheimer's", "parkinson's", "rheumatoid arthritis",
		"multiple sclerosis", "asthma", "copd", "hepatitis",
		"hiv", "covid-19", "depression", "schizophrenia",
	}
)

// Parser parses natural-language queries into Frames using a tiered
// strategy: rule-based extraction, then an optional LLM augmentation call,
// then a confidence backstop.
type Parser struct {
	// LLM augments entity/intent extraction when non-nil. It is optional:
	// a nil LLM runs the rule-based tier only.
	LLM model.ChatModel
	// LLMModel/SystemPrompt are forwarded to the LLM call when LLM != nil.
	SystemPrompt string
}

// NewParser returns a rule-based-only Parser. Use WithLLM to add the
// optional augmentation tier.
func NewParser() *Parser {
	return &Parser{SystemPrompt: defaultSystemPrompt}
}

// WithLLM attaches an LLM augmentation stage to the parser.
func (p *Parser) WithLLM(m model.ChatModel) *Parser {
	p.LLM = m
	return p
}

const defaultSystemPrompt = "Extract biomedical research intent, entities, and filters from the user query. " +
	"Respond only with the single most likely intent keyword."

// Parse implements the tiered strategy from spec.md §4.2.
func (p *Parser) Parse(ctx context.Context, query string) (Frame, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return Frame{}, ErrEmptyQuery
	}

	f := Frame{RawQuery: trimmed, FetchPolicy: FetchCacheThenNetwork}
	p.extractRuleBased(trimmed, &f)

	if p.LLM != nil {
		p.augmentWithLLM(ctx, trimmed, &f)
	}

	if f.Confidence < ConfidenceThreshold {
		f.Intent = IntentRecentPubsByTopic
		f.Entities.Topic = trimmed
	}

	return f, nil
}

// extractRuleBased fills Entities/Filters/Intent/Confidence from regex and
// lexicon matches only.
func (p *Parser) extractRuleBased(query string, f *Frame) {
	lower := strings.ToLower(query)
	var signals int

	if m := nctPattern.FindString(query); m != "" {
		f.Entities.TrialID = strings.ToUpper(m)
		signals++
	}
	if m := pmidPattern.FindStringSubmatch(query); len(m) > 0 {
		signals++
	}

	for phrase, code := range phaseTerms {
		if strings.Contains(lower, phrase) {
			f.Filters.Phases = append(f.Filters.Phases, code)
			signals++
		}
	}
	sort.Strings(f.Filters.Phases)

	for phrase, code := range statusTerms {
		if strings.Contains(lower, phrase) {
			f.Filters.Statuses = append(f.Filters.Statuses, code)
			signals++
		}
	}
	sort.Strings(f.Filters.Statuses)

	for _, company := range companyLexicon {
		if strings.Contains(lower, company) {
			f.Entities.Company = company
			signals++
			break
		}
	}

	for _, indication := range indicationLexicon {
		if strings.Contains(lower, indication) {
			f.Entities.Indication = indication
			signals++
			break
		}
	}

	years := yearPattern.FindAllString(query, -1)
	if len(years) > 0 {
		minY, maxY := parseYear(years[0]), parseYear(years[0])
		for _, y := range years[1:] {
			v := parseYear(y)
			if v < minY {
				minY = v
			}
			if v > maxY {
				maxY = v
			}
		}
		f.Filters.YearMin, f.Filters.YearMax = minY, maxY
		signals++
	}

	if strings.Contains(lower, "recent") || strings.Contains(lower, "last") {
		f.Filters.PublishedWithinDays = 365
	}

	f.Intent = classifyIntent(f, lower)
	f.Confidence = confidenceFromSignals(signals, f)
}

func classifyIntent(f *Frame, lower string) Intent {
	hasTrial := f.Entities.TrialID != "" || len(f.Filters.Phases) > 0 || len(f.Filters.Statuses) > 0
	hasPub := strings.Contains(lower, "publication") || strings.Contains(lower, "paper") || strings.Contains(lower, "pubs")
	hasCompany := f.Entities.Company != ""

	switch {
	case hasCompany && (hasTrial || hasPub):
		return IntentCompanyPipeline
	case hasTrial && (hasPub || strings.Contains(lower, "with publications")):
		return IntentTrialsWithPubs
	case hasTrial:
		return IntentIndicationPhaseTrials
	case strings.Contains(lower, "similar to") || strings.Contains(lower, "related work"):
		return IntentHybridSearch
	default:
		return IntentRecentPubsByTopic
	}
}

func confidenceFromSignals(signals int, f *Frame) float64 {
	base := 0.2
	base += 0.15 * float64(signals)
	if f.Entities.Topic == "" && f.Entities.Indication == "" && f.Entities.Company == "" && f.Entities.TrialID == "" {
		base -= 0.2
	}
	if base > 1 {
		base = 1
	}
	if base < 0 {
		base = 0
	}
	return base
}

func parseYear(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return time.Now().Year()
	}
	return v
}

// augmentWithLLM asks the configured model to confirm or refine intent and
// fills the Topic entity when the rule-based pass found nothing. A failed
// or low-confidence LLM call never lowers an already-adequate confidence;
// it can only raise it, consistent with spec.md's "fills gaps" framing.
func (p *Parser) augmentWithLLM(ctx context.Context, query string, f *Frame) {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: p.SystemPrompt},
		{Role: model.RoleUser, Content: query},
	}

	out, err := p.LLM.Chat(ctx, messages, nil)
	if err != nil || strings.TrimSpace(out.Text) == "" {
		return
	}

	if intent := matchIntentKeyword(out.Text); intent != "" {
		f.Intent = intent
		if f.Confidence < 0.9 {
			f.Confidence = 0.9
		}
	}
	if f.Entities.Topic == "" {
		f.Entities.Topic = query
	}
}

func matchIntentKeyword(text string) Intent {
	lower := strings.ToLower(text)
	for _, intent := range []Intent{
		IntentRecentPubsByTopic, IntentIndicationPhaseTrials,
		IntentTrialsWithPubs, IntentHybridSearch, IntentCompanyPipeline,
	} {
		if strings.Contains(lower, string(intent)) {
			return intent
		}
	}
	return ""
}

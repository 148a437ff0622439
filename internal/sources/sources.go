// Package sources defines the capability interface fetch nodes use to
// reach the publications, trials, and RAG backends, plus deterministic
// stub adapters exercising that interface without a live network
// dependency.
package sources

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Item is one normalized record returned by a source, before a fetch
// node's quality filtering and deterministic sort are applied.
type Item struct {
	ID             string
	Title          string
	Year           int
	RelevanceScore float64
	// QualityScore is a composite of recency, authority, and corpus
	// reputation (spec.md §3), distinct from RelevanceScore: a highly
	// relevant item can still be old and low-authority, and vice versa.
	// A fetch node's quality_threshold filter applies to this field, not
	// RelevanceScore.
	QualityScore float64
	Authority    float64
	Kind         string // "publication", "trial", "rag_chunk"
	URL          string
	Snippet      string
}

// corpusReputation is a per-kind reputation baseline standing in for
// the corpus-level signal (index size, curation rigor) a live adapter
// would derive from its source; publications lean on peer review,
// trials on registry completeness, RAG chunks have no such signal.
var corpusReputation = map[string]float64{
	"publication": 0.8,
	"trial":       0.7,
	"rag_chunk":   0.5,
}

// computeQualityScore blends recency and authority with the kind's
// corpus reputation into a single composite score.
func computeQualityScore(year int, authority float64, kind string) float64 {
	recency := clamp01((float64(year) - 2015) / 10.0)
	reputation, ok := corpusReputation[kind]
	if !ok {
		reputation = 0.5
	}
	return clamp01(0.35*recency + 0.35*authority + 0.30*reputation)
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

// Query is the normalized search request a Client receives, built by a
// fetch node from the parsed Frame.
type Query struct {
	Topic      string
	Indication string
	Company    string
	TrialID    string
	Phases     []string
	Statuses   []string
	YearMin    int
	YearMax    int
	Limit      int
}

// Client is the capability interface every source adapter implements.
// It mirrors the shape of the teacher's tool.Tool (Name + context-aware
// Call), specialized to typed search/detail operations.
type Client interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Item, error)
	FetchDetails(ctx context.Context, ids []string) ([]Item, error)
}

// StubClient is a deterministic, in-memory Client used when no live
// adapter is configured. Results are generated from the query itself so
// that repeated calls with the same input are byte-identical, matching
// the checkpoint/replay determinism requirements of spec.md §4.10.
type StubClient struct {
	SourceName string
	Kind       string
	Latency    time.Duration
	Seed       []Item
}

// NewStubClient builds a StubClient backed by a fixed seed corpus. When
// seed is empty, Search synthesizes items deterministically from the
// query's topic/indication/company instead.
func NewStubClient(name, kind string, latency time.Duration, seed []Item) *StubClient {
	return &StubClient{SourceName: name, Kind: kind, Latency: latency, Seed: seed}
}

func (s *StubClient) Name() string { return s.SourceName }

// Search returns up to q.Limit items, sorted by relevance_score desc,
// year desc, id asc (spec.md §4.4), simulating adapter latency via a
// context-respecting sleep.
func (s *StubClient) Search(ctx context.Context, q Query) ([]Item, error) {
	if err := sleep(ctx, s.Latency); err != nil {
		return nil, err
	}

	items := s.Seed
	if len(items) == 0 {
		items = s.synthesize(q)
	}

	filtered := make([]Item, 0, len(items))
	for _, it := range items {
		if q.YearMin > 0 && it.Year < q.YearMin {
			continue
		}
		if q.YearMax > 0 && it.Year > q.YearMax {
			continue
		}
		filtered = append(filtered, it)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].RelevanceScore != filtered[j].RelevanceScore {
			return filtered[i].RelevanceScore > filtered[j].RelevanceScore
		}
		if filtered[i].Year != filtered[j].Year {
			return filtered[i].Year > filtered[j].Year
		}
		return filtered[i].ID < filtered[j].ID
	})

	limit := q.Limit
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	return filtered[:limit], nil
}

// FetchDetails returns the seeded items matching ids, or synthesizes a
// minimal detail record for any id not found in Seed.
func (s *StubClient) FetchDetails(ctx context.Context, ids []string) ([]Item, error) {
	if err := sleep(ctx, s.Latency); err != nil {
		return nil, err
	}

	byID := make(map[string]Item, len(s.Seed))
	for _, it := range s.Seed {
		byID[it.ID] = it
	}

	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
			continue
		}
		out = append(out, Item{
			ID: id, Title: fmt.Sprintf("%s detail for %s", s.Kind, id), Kind: s.Kind,
			QualityScore: computeQualityScore(0, 0, s.Kind),
		})
	}
	return out, nil
}

func (s *StubClient) synthesize(q Query) []Item {
	key := strings.ToLower(strings.Join(nonEmpty(q.Topic, q.Indication, q.Company, q.TrialID), "_"))
	if key == "" {
		key = "general"
	}

	n := 5
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%s-%02d", s.SourceName, key, i+1)
		year := 2024 - i
		authority := 0.9 - float64(i)*0.05
		items = append(items, Item{
			ID:             id,
			Title:          fmt.Sprintf("%s result %d for %q", s.Kind, i+1, key),
			Year:           year,
			RelevanceScore: 0.95 - float64(i)*0.08,
			QualityScore:   computeQualityScore(year, authority, s.Kind),
			Authority:      authority,
			Kind:           s.Kind,
			URL:            fmt.Sprintf("https://example.invalid/%s/%s", s.SourceName, id),
			Snippet:        fmt.Sprintf("Deterministic stub content for %s.", key),
		})
	}
	return items
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package checkpoint computes deterministic checkpoint identifiers for a
// research run and wraps graph/store.Store[state.RunState] with TTL sweep
// and LRU count-cap eviction (spec.md §4.10).
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biomedorch/orchestrator/graph/store"
	"github.com/biomedorch/orchestrator/internal/state"
)

// DefaultTTL is the checkpoint retention window before a sweep evicts it.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultMaxCount is the LRU count cap applied alongside TTL sweeping.
const DefaultMaxCount = 10_000

// ComputeID derives a checkpoint id as "YYYYMMDD_HHMMSS" + "_" + the
// first 12 hex characters of SHA-256(normalized_query|intent|source
// coverage signature), reusing the teacher's computeIdempotencyKey
// SHA-256-over-sorted-fields approach (graph/checkpoint.go) specialized
// to RunState's identifying fields instead of full JSON state.
func ComputeID(now time.Time, normalizedQuery, intent string, sourceCounts map[string]int) string {
	prefix := now.UTC().Format("20060102_150405")

	h := sha256.New()
	h.Write([]byte(normalizedQuery))
	h.Write([]byte{0})
	h.Write([]byte(intent))
	h.Write([]byte{0})
	h.Write([]byte(sourceCoverageSignature(sourceCounts)))

	suffix := hex.EncodeToString(h.Sum(nil))[:12]
	return prefix + "_" + suffix
}

// sourceCoverageSignature renders a deterministic, sorted "source:count"
// signature string, independent of map iteration order.
func sourceCoverageSignature(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + itoa(counts[k])
	}
	return strings.Join(parts, ",")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Store wraps graph/store.Store[state.RunState] with checkpoint-id
// bookkeeping, a TTL sweep, and an LRU count cap.
type Store struct {
	backend  store.Store[state.RunState]
	ttl      time.Duration
	maxCount int

	mu         sync.Mutex
	lastAccess map[string]time.Time
}

// NewStore wraps backend with the default TTL/count-cap policy.
func NewStore(backend store.Store[state.RunState]) *Store {
	return &Store{
		backend:    backend,
		ttl:        DefaultTTL,
		maxCount:   DefaultMaxCount,
		lastAccess: make(map[string]time.Time),
	}
}

// WithTTL overrides the retention window.
func (s *Store) WithTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithMaxCount overrides the LRU count cap.
func (s *Store) WithMaxCount(n int) *Store {
	if n > 0 {
		s.maxCount = n
	}
	return s
}

// Save persists s under checkpointID and records its access time for the
// LRU policy.
func (s *Store) Save(ctx context.Context, checkpointID string, rs state.RunState, step int) error {
	s.touch(checkpointID)
	return s.backend.SaveCheckpoint(ctx, checkpointID, rs, step)
}

// Load retrieves a previously saved checkpoint, refreshing its LRU
// timestamp on hit.
func (s *Store) Load(ctx context.Context, checkpointID string) (state.RunState, int, error) {
	rs, step, err := s.backend.LoadCheckpoint(ctx, checkpointID)
	if err != nil {
		return state.RunState{}, 0, err
	}
	s.touch(checkpointID)
	return rs, step, nil
}

func (s *Store) touch(checkpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess[checkpointID] = time.Now()
}

// ExpiredIDs returns the checkpoint ids whose last access predates the
// TTL window, for a caller-driven sweep loop.
func (s *Store) ExpiredIDs() []string {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, t := range s.lastAccess {
		if t.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// EvictionCandidates returns the oldest-accessed ids once the tracked
// count exceeds maxCount, oldest first, for a caller-driven LRU sweep.
func (s *Store) EvictionCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lastAccess) <= s.maxCount {
		return nil
	}

	type pair struct {
		id string
		t  time.Time
	}
	pairs := make([]pair, 0, len(s.lastAccess))
	for id, t := range s.lastAccess {
		pairs = append(pairs, pair{id, t})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].t.Before(pairs[j].t) })

	overflow := len(pairs) - s.maxCount
	out := make([]string, overflow)
	for i := 0; i < overflow; i++ {
		out[i] = pairs[i].id
	}
	return out
}

// Forget removes id from LRU/TTL tracking, typically after the caller has
// deleted the underlying backend record.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastAccess, id)
}

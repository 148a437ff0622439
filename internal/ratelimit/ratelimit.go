// Package ratelimit provides per-source token buckets gating access to the
// publications, trials, and RAG fetch adapters.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Source names the three fetchable data sources.
type Source string

const (
	SourcePubs   Source = "pubs"
	SourceTrials Source = "trials"
	SourceRAG    Source = "rag"
)

// Config is the per-source rate/burst pair.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// DefaultConfig is the spec.md §4.7 default table.
var DefaultConfig = map[Source]Config{
	SourcePubs:   {RatePerSecond: 2, Burst: 4},
	SourceTrials: {RatePerSecond: 2, Burst: 4},
	SourceRAG:    {RatePerSecond: 3, Burst: 8},
}

// Limiter owns one token bucket per source.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[Source]*rate.Limiter
	config   map[Source]Config
}

// New builds a Limiter from the given per-source config, falling back to
// DefaultConfig for any source left unset.
func New(config map[Source]Config) *Limiter {
	merged := make(map[Source]Config, len(DefaultConfig))
	for k, v := range DefaultConfig {
		merged[k] = v
	}
	for k, v := range config {
		merged[k] = v
	}

	l := &Limiter{
		buckets: make(map[Source]*rate.Limiter, len(merged)),
		config:  merged,
	}
	for src, cfg := range merged {
		l.buckets[src] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return l
}

// Wait blocks until a token is available for src, or until ctx is done.
// An unknown source is treated as unlimited (no bucket configured).
func (l *Limiter) Wait(ctx context.Context, src Source) error {
	l.mu.RLock()
	b, ok := l.buckets[src]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Wait(ctx)
}

// Allow reports whether a token is immediately available for src, without
// blocking or consuming one if not. Used for best-effort, non-blocking
// callers that prefer to fall back to cache-only on contention.
func (l *Limiter) Allow(src Source) bool {
	l.mu.RLock()
	b, ok := l.buckets[src]
	l.mu.RUnlock()
	if !ok {
		return true
	}
	return b.Allow()
}

// ConfigFor returns the effective Config for a source.
func (l *Limiter) ConfigFor(src Source) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config[src]
}

// Package config loads orchestrator settings from environment variables,
// following the os.Getenv-with-defaults idiom implicit in the teacher's
// example main() functions rather than a config-file/flags library (no
// example repo in the pack imports one).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-tunable setting from spec.md §6.
type Config struct {
	DefaultBudgetMS    int64
	MaxBudgetMS        int64
	MaxParallelNodes   int
	PubsRPS            float64
	TrialsRPS          float64
	RAGRPS             float64
	CacheTTLSeconds    int
	CheckpointTTLHours int
	LogLevel           string

	// AnthropicAPIKey, if set, enables the frame parser's LLM-augmentation
	// tier (a second pass over the rule-based extraction, spec.md §4.2's
	// "augment with LLM when confidence is low") via graph/model/anthropic.
	// Empty keeps the parser fully rule-based.
	AnthropicAPIKey string
	AnthropicModel  string

	// CheckpointDBPath, if set, backs the checkpoint store with a
	// SQLite file instead of the in-memory default, so checkpoints
	// survive a process restart (spec.md §4.10).
	CheckpointDBPath string
}

// Default returns the spec-prescribed defaults.
func Default() Config {
	return Config{
		DefaultBudgetMS:    8000,
		MaxBudgetMS:        30000,
		MaxParallelNodes:   8,
		PubsRPS:            2,
		TrialsRPS:          2,
		RAGRPS:             3,
		CacheTTLSeconds:    3600,
		CheckpointTTLHours: 168,
		LogLevel:           "info",
	}
}

// Load reads Config fields from the environment, falling back to
// Default() for anything unset or unparseable.
func Load() Config {
	c := Default()

	c.DefaultBudgetMS = getInt64("DEFAULT_BUDGET_MS", c.DefaultBudgetMS)
	c.MaxBudgetMS = getInt64("MAX_BUDGET_MS", c.MaxBudgetMS)
	c.MaxParallelNodes = int(getInt64("MAX_PARALLEL_NODES", int64(c.MaxParallelNodes)))
	c.PubsRPS = getFloat("PUBS_RPS", c.PubsRPS)
	c.TrialsRPS = getFloat("TRIALS_RPS", c.TrialsRPS)
	c.RAGRPS = getFloat("RAG_RPS", c.RAGRPS)
	c.CacheTTLSeconds = int(getInt64("CACHE_TTL_SECONDS", int64(c.CacheTTLSeconds)))
	c.CheckpointTTLHours = int(getInt64("CHECKPOINT_TTL_HOURS", int64(c.CheckpointTTLHours)))
	c.LogLevel = getString("LOG_LEVEL", c.LogLevel)
	c.AnthropicAPIKey = getString("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.AnthropicModel = getString("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	c.CheckpointDBPath = getString("CHECKPOINT_DB_PATH", c.CheckpointDBPath)

	return c
}

// BudgetDuration returns DefaultBudgetMS as a time.Duration.
func (c Config) BudgetDuration() time.Duration {
	return time.Duration(c.DefaultBudgetMS) * time.Millisecond
}

// MaxBudgetDuration returns MaxBudgetMS as a time.Duration.
func (c Config) MaxBudgetDuration() time.Duration {
	return time.Duration(c.MaxBudgetMS) * time.Millisecond
}

// CacheTTL returns CacheTTLSeconds as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// CheckpointTTL returns CheckpointTTLHours as a time.Duration.
func (c Config) CheckpointTTL() time.Duration {
	return time.Duration(c.CheckpointTTLHours) * time.Hour
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

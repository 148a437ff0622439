package api

import (
	"fmt"

	"github.com/biomedorch/orchestrator/internal/nodes"
	"github.com/biomedorch/orchestrator/internal/state"
)

// parseOptions validates and converts a request body's options map into
// state.Options per spec.md §3's recognized-keys table. IncludeSynthesis
// defaults to true (unlike state.Options' own zero value) since a
// request that omits the key wants synthesis by default.
func parseOptions(raw map[string]interface{}, requestedSources []string) (state.Options, error) {
	opts := state.Options{
		RequestedSources: requestedSources,
		IncludeSynthesis: true,
	}

	if v, ok := raw["max_results_per_source"]; ok {
		n, ok := asInt(v)
		if !ok || n < 1 {
			return opts, fmt.Errorf("max_results_per_source must be an int >= 1")
		}
		opts.MaxResultsPerSource = n
	}
	if v, ok := raw["include_synthesis"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, fmt.Errorf("include_synthesis must be a bool")
		}
		opts.IncludeSynthesis = b
	}
	if v, ok := raw["priority"]; ok {
		s, ok := v.(string)
		if !ok || (s != "speed" && s != "comprehensive" && s != "balanced") {
			return opts, fmt.Errorf("priority must be one of speed, comprehensive, balanced")
		}
		opts.Priority = s
	}
	if v, ok := raw["budget_ms"]; ok {
		n, ok := asInt(v)
		if !ok || n < 1000 || n > 30000 {
			return opts, fmt.Errorf("budget_ms must be an int in [1000, 30000]")
		}
		opts.BudgetMS = int64(n)
	}
	if v, ok := raw["enable_partial_results"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, fmt.Errorf("enable_partial_results must be a bool")
		}
		opts.EnablePartialResults = b
	}
	if v, ok := raw["retry_strategy"]; ok {
		s, ok := v.(string)
		if !ok || (s != "exponential" && s != "linear" && s != "none") {
			return opts, fmt.Errorf("retry_strategy must be one of exponential, linear, none")
		}
		opts.RetryStrategy = s
	}
	if v, ok := raw["parallel_execution"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, fmt.Errorf("parallel_execution must be a bool")
		}
		opts.ParallelExecution = b
	}
	if v, ok := raw["citation_format"]; ok {
		s, ok := v.(string)
		if !ok || (s != "id_only" && s != "full" && s != "inline") {
			return opts, fmt.Errorf("citation_format must be one of id_only, full, inline")
		}
		opts.CitationFormat = s
	}
	if v, ok := raw["quality_threshold"]; ok {
		f, ok := asFloat(v)
		if !ok || f < 0 || f > 1 {
			return opts, fmt.Errorf("quality_threshold must be a float in [0, 1]")
		}
		opts.QualityThreshold = f
	} else {
		opts.QualityThreshold = nodes.QualityThreshold
	}
	if v, ok := raw["checkpoint_enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return opts, fmt.Errorf("checkpoint_enabled must be a bool")
		}
		opts.CheckpointEnabled = b
	}

	return opts, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

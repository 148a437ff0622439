// Package classify implements the node-level error taxonomy and retry
// policy table from spec.md §4.6, reusing the graph package's exponential
// backoff-with-jitter formula for the Timeout/RateLimit rows.
package classify

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Kind is the error taxonomy from spec.md §4.6.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindConnection      Kind = "connection"
	KindRateLimit       Kind = "rate_limit"
	KindParse           Kind = "parse"
	KindValidation      Kind = "validation"
	KindDatabaseOrStore Kind = "database_or_store"
	KindResource        Kind = "resource"
	KindUnknown         Kind = "unknown"
)

// FallbackAction is the recovery action associated with a Kind.
type FallbackAction string

const (
	FallbackSkipNode          FallbackAction = "skip_node"
	FallbackEmptyResult       FallbackAction = "use_empty_result"
	FallbackRelaxValidation   FallbackAction = "relax_validation"
	FallbackCacheOnly         FallbackAction = "switch_to_cache_only"
	FallbackReduceBatch       FallbackAction = "reduce_batch_size_and_retry_once"
	FallbackExponentialBackoff FallbackAction = "exponential_backoff"
)

// BackoffStrategy names how delay grows between attempts.
type BackoffStrategy string

const (
	BackoffNone        BackoffStrategy = "none"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffExtend      BackoffStrategy = "extend_timeout"
)

// Strategy is the default retry configuration for one Kind.
type Strategy struct {
	Retryable   bool
	Backoff     BackoffStrategy
	MaxRetries  int
	Fallback    FallbackAction
	// TimeoutMultiplier is only meaningful for BackoffExtend.
	TimeoutMultiplier float64
}

// Table is the default Kind -> Strategy mapping from spec.md §4.6.
var Table = map[Kind]Strategy{
	KindTimeout:         {Retryable: true, Backoff: BackoffExtend, MaxRetries: 3, Fallback: FallbackSkipNode, TimeoutMultiplier: 1.5},
	KindConnection:      {Retryable: true, Backoff: BackoffLinear, MaxRetries: 2, Fallback: FallbackSkipNode},
	KindRateLimit:       {Retryable: true, Backoff: BackoffExponential, MaxRetries: 3, Fallback: FallbackExponentialBackoff},
	KindParse:           {Retryable: false, Backoff: BackoffNone, MaxRetries: 0, Fallback: FallbackEmptyResult},
	KindValidation:      {Retryable: true, Backoff: BackoffNone, MaxRetries: 1, Fallback: FallbackRelaxValidation},
	KindDatabaseOrStore: {Retryable: true, Backoff: BackoffLinear, MaxRetries: 2, Fallback: FallbackCacheOnly},
	KindResource:        {Retryable: false, Backoff: BackoffNone, MaxRetries: 1, Fallback: FallbackReduceBatch},
	KindUnknown:         {Retryable: true, Backoff: BackoffNone, MaxRetries: 1, Fallback: FallbackSkipNode},
}

// Error is a classified node-level error record, the element type of Run
// State's ordered error list (spec.md §3).
type Error struct {
	Node           string
	Kind           Kind
	Message        string
	Timestamp      time.Time
	Severity       string
	RecoveryAction FallbackAction
	Cause          error
}

func (e *Error) Error() string {
	return e.Node + ": " + string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// severityFor derives a coarse severity label; non-retryable kinds are
// always "high" because no automatic recovery narrows the gap.
func severityFor(k Kind) string {
	if !Table[k].Retryable {
		return "high"
	}
	return "medium"
}

// Classify pattern-matches an error's message and context into a Kind.
// Classification is total: every input maps to exactly one Kind, with
// KindUnknown as the catch-all.
func Classify(node string, err error) *Error {
	kind := classifyKind(err)
	return &Error{
		Node:           node,
		Kind:           kind,
		Message:        err.Error(),
		Timestamp:      time.Now().UTC(),
		Severity:       severityFor(kind),
		RecoveryAction: Table[kind].Fallback,
		Cause:          err,
	}
}

func classifyKind(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "timed out"):
		return KindTimeout
	case containsAny(msg, "connection refused", "connection reset", "no such host", "econnrefused", "dial tcp", "broken pipe"):
		return KindConnection
	case containsAny(msg, "rate limit", "429", "too many requests"):
		return KindRateLimit
	case containsAny(msg, "parse", "unmarshal", "malformed", "invalid json", "invalid syntax"):
		return KindParse
	case containsAny(msg, "validation", "invalid argument", "required field", "out of range"):
		return KindValidation
	case containsAny(msg, "database", "sql", "store", "deadlock", "no such table", "constraint"):
		return KindDatabaseOrStore
	case containsAny(msg, "out of memory", "oom", "resource exhausted", "too large"):
		return KindResource
	default:
		return KindUnknown
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ComputeDelay returns the backoff duration before the next attempt, given
// the Kind's default strategy and a zero-based attempt number. For
// BackoffExponential the delay is base*2^attempt capped at maxDelay, plus
// uniform jitter in [0.1, 0.3) times that capped delay; linear and
// extend-timeout variants cover the other strategies.
func ComputeDelay(k Kind, attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	strat := Table[k]
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- non-replay fallback only
	}

	switch strat.Backoff {
	case BackoffExponential:
		delay := base * time.Duration(1<<uint(attempt))
		if delay > maxDelay {
			delay = maxDelay
		}
		jitterLow := time.Duration(float64(delay) * 0.1)
		jitterHigh := time.Duration(float64(delay) * 0.3)
		spread := jitterHigh - jitterLow
		if spread <= 0 {
			return delay + jitterLow
		}
		return delay + jitterLow + time.Duration(rng.Int63n(int64(spread)))
	case BackoffLinear:
		delay := base * time.Duration(attempt+1)
		if delay > maxDelay {
			delay = maxDelay
		}
		return delay
	case BackoffExtend, BackoffNone:
		return base
	default:
		return base
	}
}

// MaxRetries returns the default retry budget for a Kind.
func MaxRetries(k Kind) int {
	return Table[k].MaxRetries
}

// IsRetryable reports whether a Kind's default strategy permits a retry.
func IsRetryable(k Kind) bool {
	return Table[k].Retryable
}

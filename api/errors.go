// Package api exposes the HTTP/SSE contract of spec.md §6 over an
// internal/orchestrator.Runtime, built directly on net/http as every
// example repo in the pack does (no router framework dependency
// anywhere in the corpus).
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// apiError is the body of every non-2xx response (spec.md §6 error
// envelope).
type apiError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Details           string `json:"details,omitempty"`
	Timestamp         string `json:"timestamp"`
	RecoveryAttempted bool   `json:"recovery_attempted,omitempty"`
	RetryCount        int    `json:"retry_count,omitempty"`
	FallbackApplied   bool   `json:"fallback_applied,omitempty"`
	Partial           bool   `json:"partial,omitempty"`
	CheckpointID      string `json:"checkpoint_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]apiError{
		"error": {
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

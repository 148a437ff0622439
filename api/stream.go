package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/biomedorch/orchestrator/graph/emit"
	"github.com/biomedorch/orchestrator/internal/events"
)

// handleStream implements the SSE endpoint: "event: <name>\ndata:
// <json>\n\n" framing, closing the connection after run_completed/
// run_failed (spec.md §6). A reconnecting client whose run is already
// terminal gets the last terminal event replayed immediately instead of
// hanging on a subscription that will never fire again.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if _, ok := s.rt.Get(runID); !ok {
		writeError(w, http.StatusNotFound, "unknown_run", "no run with that id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if rec, ok := s.rt.Get(runID); ok && events.IsTerminal(rec.Status) {
		if last, ok := s.rt.Bus().LastTerminal(runID); ok {
			writeSSEEvent(w, last)
			flusher.Flush()
			return
		}
	}

	ch, unsubscribe := s.rt.Bus().Subscribe(runID)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if isTerminalKind(ev) {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev emit.Event) {
	kind, _ := ev.Meta["kind"].(string)
	if kind == "" {
		kind = "message"
	}
	payload := make(map[string]interface{}, len(ev.Meta)+2)
	for k, v := range ev.Meta {
		payload[k] = v
	}
	payload["run_id"] = ev.RunID
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + kind + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func isTerminalKind(ev emit.Event) bool {
	kind, _ := ev.Meta["kind"].(string)
	return kind == string(events.KindRunCompleted) || kind == string(events.KindRunFailed)
}

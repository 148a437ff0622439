package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/biomedorch/orchestrator/internal/events"
)

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func isSynthesisReady(status events.RunStatus) bool {
	return status == events.StatusCompleted || status == events.StatusPartial
}

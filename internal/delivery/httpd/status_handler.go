package httpd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.statusService.Snapshot(r.Context(), chi.URLParam(r, "submission_id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeSuccess(w, snap)
}

// StreamStatus pushes status snapshots as server-sent events until the
// submission settles or the client disconnects.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	submissionID := chi.URLParam(r, "submission_id")
	updates, err := h.statusService.Watch(r.Context(), submissionID, h.config.StatusInterval)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	// The server write timeout would otherwise cut long streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range updates {
		payload, err := json.Marshal(snap)
		if err != nil {
			h.logger.Error().Err(err).Str("submission_id", submissionID).Msg("Failed to encode status")
			return
		}

		event := "status"
		if snap.Terminal {
			event = "done"
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

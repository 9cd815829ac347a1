package httpd

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackcrane/sw-grader-api/internal/models"
)

// PaymentFailed is the billing provider's webhook for a failed recurring
// charge.
func (h *Handler) PaymentFailed(w http.ResponseWriter, r *http.Request) {
	var event models.PaymentFailedEvent
	if err := decodeJSON(w, r, 1<<20, &event); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	correlationID, err := h.billingService.HandlePaymentFailed(r.Context(), event)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":        true,
		"correlation_id": correlationID,
	})
}

func (h *Handler) ResolveEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := h.billingService.ResolveEnrollment(r.Context(), chi.URLParam(r, "enrollment_id")); err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeSuccess(w, map[string]interface{}{"resolved": true})
}

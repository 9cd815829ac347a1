package httpd

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackcrane/sw-grader-api/internal/models"
)

func (h *Handler) CreateSignature(w http.ResponseWriter, r *http.Request) {
	assignmentID := chi.URLParam(r, "assignment_id")

	var req models.CreateSignatureRequest
	if err := decodeJSON(w, r, 1<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sig, err := h.signatureService.CreateSignature(r.Context(), assignmentID, req)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrMixedUnitSystems):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, models.ErrInvalidSignatureType),
			errors.Is(err, models.ErrInvalidPointsAwarded),
			errors.Is(err, models.ErrInvalidMeasurement):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.handleServiceError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    sig,
	})
}

package httpd

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/service/analyzer"
)

const graderSecretHeader = "x-grader-secret"

type enqueueRequest struct {
	SubmissionID string `json:"submission_id" validate:"required"`
}

// EnqueueGradingJob is the intake hook: the submission row already exists,
// this publishes its grading job.
func (h *Handler) EnqueueGradingJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, 1<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.gradingService.Enqueue(r.Context(), req.SubmissionID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"submission_id": req.SubmissionID,
		"status_url":    "/api/v1/submissions/" + req.SubmissionID + "/status",
	})
}

// PostResult accepts a measurement taken by an out-of-process grader.
func (h *Handler) PostResult(w http.ResponseWriter, r *http.Request) {
	if !h.validGraderSecret(r.Header.Get(graderSecretHeader)) {
		writeError(w, http.StatusForbidden, "Invalid grader secret")
		return
	}

	submissionID := chi.URLParam(r, "submission_id")

	var req models.GraderResultRequest
	if err := decodeJSON(w, r, h.config.MaxUploadBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m := models.Measurement{
		Volume:      *req.Volume,
		SurfaceArea: *req.SurfaceArea,
	}
	if req.Screenshot != "" {
		png, err := base64.StdEncoding.DecodeString(req.Screenshot)
		if err != nil {
			writeError(w, http.StatusBadRequest, "screenshot must be base64")
			return
		}
		m.Screenshot = png
	}

	outcome, err := h.gradingService.ApplyMeasurement(r.Context(), submissionID, m)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeSuccess(w, map[string]interface{}{
		"submission_id": submissionID,
		"outcome":       outcome,
	})
}

func (h *Handler) validGraderSecret(got string) bool {
	if h.config.GraderSecret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.config.GraderSecret)) == 1
}

// Prescan measures an uploaded part without grading it.
func (h *Handler) Prescan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart form with a file")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	unitSystem := models.UnitSystem(r.FormValue("unitSystem"))
	if unitSystem == "" {
		unitSystem = models.UnitSystemMMGS
	}

	m, err := h.gradingService.Prescan(r.Context(), header.Filename, content, unitSystem)
	if err != nil {
		var toolErr *analyzer.ToolError
		if errors.As(err, &toolErr) {
			if toolErr.Fatal() {
				writeError(w, http.StatusUnprocessableEntity, toolErr.Message)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "The grader is unavailable. Try again shortly.")
			return
		}
		h.handleServiceError(w, err)
		return
	}

	writeSuccess(w, m)
}


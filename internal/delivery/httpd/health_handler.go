package httpd

import (
	"context"
	"net/http"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	grader := h.grader.Snapshot()
	resp := models.HealthCheckResponse{
		Status:    "healthy",
		Database:  h.database.Ping(ctx) == nil,
		RabbitMQ:  h.broker.IsConnected(),
		Grader:    &grader,
		Timestamp: time.Now().UTC(),
	}

	status := http.StatusOK
	if !resp.Database {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else if !resp.RabbitMQ {
		resp.Status = "degraded"
	}

	writeJSON(w, status, resp)
}

func (h *Handler) GetGraderStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, h.grader.Snapshot())
}

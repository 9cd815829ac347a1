package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/rs/zerolog"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports whether the message broker connection is up.
type BrokerStatus interface {
	IsConnected() bool
}

type HandlerConfig struct {
	GraderSecret   string
	MaxUploadBytes int64
	StatusInterval time.Duration
}

type Handler struct {
	gradingService   service.GradingService
	statusService    service.StatusService
	signatureService service.SignatureService
	billingService   service.BillingService
	grader           service.GraderStatusSource
	database         Pinger
	broker           BrokerStatus
	metrics          http.Handler
	config           HandlerConfig
	logger           zerolog.Logger
}

func NewHandler(
	gradingService service.GradingService,
	statusService service.StatusService,
	signatureService service.SignatureService,
	billingService service.BillingService,
	grader service.GraderStatusSource,
	database Pinger,
	broker BrokerStatus,
	metrics http.Handler,
	config HandlerConfig,
	logger zerolog.Logger,
) *Handler {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 64 << 20
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = 2 * time.Second
	}

	return &Handler{
		gradingService:   gradingService,
		statusService:    statusService,
		signatureService: signatureService,
		billingService:   billingService,
		grader:           grader,
		database:         database,
		broker:           broker,
		metrics:          metrics,
		config:           config,
		logger:           logger,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		router.Method(http.MethodGet, "/metrics", h.metrics)
	}

	router.Route("/api/v1", func(api chi.Router) {
		api.Get("/grader/status", h.GetGraderStatus)
		api.Post("/prescan", h.Prescan)
		api.Post("/grading-jobs", h.EnqueueGradingJob)

		api.Route("/submissions/{submission_id}", func(r chi.Router) {
			r.Post("/result", h.PostResult)
			r.Get("/status", h.GetStatus)
			r.Get("/status/stream", h.StreamStatus)
		})

		api.Post("/assignments/{assignment_id}/signatures", h.CreateSignature)

		api.Route("/billing", func(r chi.Router) {
			r.Post("/payment-failed", h.PaymentFailed)
			r.Post("/enrollments/{enrollment_id}/resolve", h.ResolveEnrollment)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"success": true,
		"data":    data,
	}
	writeJSON(w, http.StatusOK, response)
}

// handleServiceError maps sentinel errors to status codes.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, service.ErrAssignmentNotFound),
		errors.Is(err, service.ErrEnrollmentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidUnitSystem),
		errors.Is(err, service.ErrEmptyFile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

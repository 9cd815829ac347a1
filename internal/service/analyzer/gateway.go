// Package analyzer fronts the single measurement tool instance. Every
// analysis, whatever its origin, waits its turn in one FIFO.
package analyzer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/service/integration"
	"github.com/jackcrane/sw-grader-api/internal/worker/pool"
	"github.com/rs/zerolog"
)

// HealthRecorder receives out-of-band health signals from real analysis
// calls.
type HealthRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

type AnalyzeRequest struct {
	FileName   string
	Content    []byte
	UnitSystem models.UnitSystem
}

type Gateway interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*models.Measurement, error)
}

type gateway struct {
	client  integration.GraderClient
	fifo    *pool.WorkerPool
	health  HealthRecorder
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGateway expects fifo to be a started single-worker pool.
func NewGateway(client integration.GraderClient, fifo *pool.WorkerPool, health HealthRecorder, timeout time.Duration, logger zerolog.Logger) Gateway {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &gateway{
		client:  client,
		fifo:    fifo,
		health:  health,
		timeout: timeout,
		logger:  logger,
	}
}

// Analyze measures a part and returns it in req.UnitSystem. Errors from the
// tool are always *ToolError.
func (g *gateway) Analyze(ctx context.Context, req AnalyzeRequest) (*models.Measurement, error) {
	if _, err := factorsFor(req.UnitSystem); err != nil {
		return nil, err
	}

	var measurement *models.Measurement
	err := g.fifo.Run(ctx, func(ctx context.Context) error {
		m, err := g.analyze(ctx, req)
		if err != nil {
			return err
		}
		measurement = m
		return nil
	})
	if err != nil {
		return nil, Classify(err)
	}

	return measurement, nil
}

func (g *gateway) analyze(ctx context.Context, req AnalyzeRequest) (*models.Measurement, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	started := time.Now()
	resp, err := g.client.Analyze(callCtx, req.FileName, req.Content, models.UnitSystemSI)
	if err != nil {
		toolErr := Classify(err)
		g.signal(ctx, toolErr)

		g.logger.Warn().
			Err(err).
			Str("file_name", req.FileName).
			Str("kind", string(toolErr.Kind)).
			Str("code", toolErr.Code).
			Dur("duration", time.Since(started)).
			Msg("Analysis failed")
		return nil, toolErr
	}

	g.health.RecordSuccess()

	si := models.Measurement{
		UnitSystem:   models.UnitSystemSI,
		Volume:       resp.Volume,
		SurfaceArea:  resp.SurfaceArea,
		CenterOfMass: resp.CenterOfMass,
		Density:      resp.Density,
		Mass:         resp.Mass,
	}
	if resp.Screenshot != "" {
		shot, err := base64.StdEncoding.DecodeString(resp.Screenshot)
		if err != nil {
			g.logger.Warn().Err(err).Str("file_name", req.FileName).Msg("Ignoring undecodable screenshot")
		} else {
			si.Screenshot = shot
		}
	}

	converted, err := FromSI(si, req.UnitSystem)
	if err != nil {
		return nil, fmt.Errorf("failed to convert measurement: %w", err)
	}

	g.logger.Info().
		Str("file_name", req.FileName).
		Str("unit_system", req.UnitSystem.String()).
		Float64("volume", converted.Volume).
		Float64("surface_area", converted.SurfaceArea).
		Dur("duration", time.Since(started)).
		Msg("Analysis completed")

	return &converted, nil
}

// signal feeds the health monitor. A fatal error means the tool answered
// and is healthy. Cancellation by the caller says nothing about the tool.
func (g *gateway) signal(ctx context.Context, err *ToolError) {
	if err.Fatal() {
		g.health.RecordSuccess()
		return
	}
	if ctx.Err() != nil {
		return
	}
	g.health.RecordFailure(err)
}

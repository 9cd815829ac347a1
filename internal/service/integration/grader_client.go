package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/rs/zerolog"
)

const graderSecretHeader = "x-grader-secret"

// maxErrorBody bounds how much of a failed response is kept for logging.
const maxErrorBody = 4096

type GraderClient interface {
	Analyze(ctx context.Context, fileName string, content []byte, unitSystem models.UnitSystem) (*AnalyzeResponse, error)
	Healthz(ctx context.Context) (bool, error)
}

type AnalyzeResponse struct {
	Volume       float64           `json:"volume"`
	SurfaceArea  float64           `json:"surfaceArea"`
	CenterOfMass models.Vector3    `json:"centerOfMass"`
	Density      float64           `json:"density"`
	Mass         float64           `json:"mass"`
	Screenshot   string            `json:"screenshot,omitempty"`
	Units        map[string]string `json:"units,omitempty"`
	Error        string            `json:"error,omitempty"`
	Code         string            `json:"code,omitempty"`
}

// ToolFailure is a response in which the tool itself reported a problem,
// as opposed to the request never reaching it.
type ToolFailure struct {
	StatusCode int
	Code       string
	Message    string
}

func (f *ToolFailure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("grader returned %d (%s): %s", f.StatusCode, f.Code, f.Message)
	}
	return fmt.Sprintf("grader returned %d: %s", f.StatusCode, f.Message)
}

type graderClient struct {
	baseURL string
	secret  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewGraderClient talks to the measurement tool. Callers bound each call
// with a context deadline; the client itself has no timeout.
func NewGraderClient(baseURL, secret string, logger zerolog.Logger) GraderClient {
	return &graderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (c *graderClient) Analyze(ctx context.Context, fileName string, content []byte, unitSystem models.UnitSystem) (*AnalyzeResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	query := url.Values{}
	query.Set("unitSystem", unitSystem.String())
	query.Set("screenshot", "true")
	endpoint := fmt.Sprintf("%s/analyze?%s", c.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.secret != "" {
		req.Header.Set(graderSecretHeader, c.secret)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach grader: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read grader response: %w", err)
	}

	var result AnalyzeResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode != http.StatusOK || result.Error != "" || result.Code != "" {
		failure := &ToolFailure{
			StatusCode: resp.StatusCode,
			Code:       result.Code,
			Message:    result.Error,
		}
		if failure.Message == "" {
			failure.Message = truncate(string(raw), maxErrorBody)
		}
		return nil, failure
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode grader response: %w", decodeErr)
	}

	c.logger.Debug().
		Str("file_name", fileName).
		Int("bytes", len(content)).
		Dur("duration", time.Since(started)).
		Msg("Grader analysis completed")

	return &result, nil
}

type healthzResponse struct {
	OK bool `json:"ok"`
}

// Healthz returns the tool's own verdict. An error means the verdict could
// not be obtained.
func (c *graderClient) Healthz(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if c.secret != "" {
		req.Header.Set(graderSecretHeader, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach grader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return false, fmt.Errorf("grader health returned status %d: %s", resp.StatusCode, string(body))
	}

	var health healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("failed to decode grader health: %w", err)
	}

	return health.OK, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraderClientAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "SI", r.URL.Query().Get("unitSystem"))
		assert.Equal(t, "true", r.URL.Query().Get("screenshot"))
		assert.Equal(t, "s3cret", r.Header.Get("x-grader-secret"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "bracket.SLDPRT", header.Filename)
		assert.Equal(t, "part-bytes", string(data))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"volume":0.001,"surfaceArea":0.06,"centerOfMass":{"x":0.1,"y":0.2,"z":0.3},"density":1000,"mass":1,"units":{"volume":"m^3"}}`))
	}))
	defer srv.Close()

	client := NewGraderClient(srv.URL, "s3cret", zerolog.Nop())
	res, err := client.Analyze(context.Background(), "bracket.SLDPRT", []byte("part-bytes"), models.UnitSystemSI)
	require.NoError(t, err)

	assert.Equal(t, 0.001, res.Volume)
	assert.Equal(t, 0.06, res.SurfaceArea)
	assert.Equal(t, 0.3, res.CenterOfMass.Z)
	assert.Equal(t, "m^3", res.Units["volume"])
}

func TestGraderClientToolFailure(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"structured error", http.StatusUnprocessableEntity, `{"error":"Could not open file","code":"FILE_OPEN_FAILED"}`, "FILE_OPEN_FAILED", "Could not open file"},
		{"error on 200", http.StatusOK, `{"error":"license busy"}`, "", "license busy"},
		{"plain text 500", http.StatusInternalServerError, `boom`, "", "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewGraderClient(srv.URL, "", zerolog.Nop())
			_, err := client.Analyze(context.Background(), "p.SLDPRT", []byte("x"), models.UnitSystemSI)

			var failure *ToolFailure
			require.True(t, errors.As(err, &failure))
			assert.Equal(t, tt.status, failure.StatusCode)
			assert.Equal(t, tt.code, failure.Code)
			assert.Equal(t, tt.message, failure.Message)
		})
	}
}

func TestGraderClientHealthz(t *testing.T) {
	serve := func(status int, body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/healthz", r.URL.Path)
			w.WriteHeader(status)
			w.Write([]byte(body))
		}))
	}

	healthy := serve(http.StatusOK, `{"ok":true}`)
	defer healthy.Close()
	ok, err := NewGraderClient(healthy.URL+"/", "", zerolog.Nop()).Healthz(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	unhealthy := serve(http.StatusOK, `{"ok":false}`)
	defer unhealthy.Close()
	ok, err = NewGraderClient(unhealthy.URL, "", zerolog.Nop()).Healthz(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	down := serve(http.StatusServiceUnavailable, `{"ok":true}`)
	defer down.Close()
	_, err = NewGraderClient(down.URL, "", zerolog.Nop()).Healthz(context.Background())
	assert.Error(t, err)
}

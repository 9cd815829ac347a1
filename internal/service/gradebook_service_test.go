package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/service/lti"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poxSuccess = `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader><imsx_POXResponseHeaderInfo>
    <imsx_version>V1.0</imsx_version>
    <imsx_messageIdentifier>resp-1</imsx_messageIdentifier>
    <imsx_statusInfo>
      <imsx_codeMajor>success</imsx_codeMajor>
      <imsx_severity>status</imsx_severity>
      <imsx_description>Score updated</imsx_description>
    </imsx_statusInfo>
  </imsx_POXResponseHeaderInfo></imsx_POXHeader>
  <imsx_POXBody><replaceResultResponse/></imsx_POXBody>
</imsx_POXEnvelopeResponse>`

const poxFailure = `<imsx_POXEnvelopeResponse>
  <imsx_POXHeader><imsx_POXResponseHeaderInfo><imsx_statusInfo>
    <imsx_codeMajor>failure</imsx_codeMajor>
    <imsx_description>Unknown sourcedId</imsx_description>
  </imsx_statusInfo></imsx_POXResponseHeaderInfo></imsx_POXHeader>
</imsx_POXEnvelopeResponse>`

type gradebookFixture struct {
	subs *memSubmissions
	jobs *recordingJobs
	svc  GradebookService
}

func newGradebookFixture(t *testing.T, outcomeURL string) *gradebookFixture {
	t.Helper()
	sub := pendingSubmission()
	sub.Grade = ptr(8.0)
	sub.Status = models.SubmissionStatusGraded.String()
	sub.GradeSyncStatus = models.GradeSyncPending
	sub.LISResultSourcedID = ptr("sourced-1")
	sub.LISOutcomeServiceURL = ptr(outcomeURL)

	f := &gradebookFixture{
		subs: newMemSubmissions(sub),
		jobs: &recordingJobs{},
	}
	creds := memCredentials{"c1": {CourseID: "c1", ConsumerKey: "course-key", ConsumerSecret: "secret"}}
	f.svc = NewGradebookService(f.subs, newMemAssignments(testAssignment()), creds, f.jobs, GradebookConfig{
		MaxAttempts:    5,
		RetryBaseDelay: 30 * time.Second,
		RetryMaxDelay:  time.Hour,
		Timeout:        time.Second,
	}, zerolog.Nop())
	return f
}

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	assert.Equal(t, 30*time.Second, RetryDelay(1, base, time.Hour))
	assert.Equal(t, 60*time.Second, RetryDelay(2, base, time.Hour))
	assert.Equal(t, 4*time.Minute, RetryDelay(4, base, time.Hour))
	assert.Equal(t, 5*time.Minute, RetryDelay(6, base, 5*time.Minute))
	assert.Equal(t, 30*time.Second, RetryDelay(0, base, time.Hour))
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		retryable bool
	}{
		{name: "success", status: 200, body: poxSuccess},
		{name: "server error", status: 503, body: "busy", wantErr: true, retryable: true},
		{name: "unauthorized", status: 401, body: "bad signature", wantErr: true},
		{name: "failure envelope", status: 200, body: poxFailure, wantErr: true},
		{name: "malformed", status: 200, body: "<html>", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyOutcome(tt.status, []byte(tt.body))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var syncErr *SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, tt.retryable, syncErr.Retryable)
		})
	}
}

func TestSyncRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if !assert.Contains(t, string(body), "<sourcedId>sourced-1</sourcedId>") {
			return
		}
		assert.Contains(t, string(body), "<textString>0.8</textString>")
		assert.Equal(t, lti.ContentType, r.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "OAuth "))
		assert.Contains(t, r.Header.Get("Authorization"), `oauth_body_hash="`)
		if n <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(poxSuccess))
	}))
	defer srv.Close()

	f := newGradebookFixture(t, srv.URL+"/outcomes")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := f.svc.Sync(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, SyncRetrying, res)
		assert.Equal(t, models.GradeSyncPending, f.subs.get("s1").GradeSyncStatus)
	}

	res, err := f.svc.Sync(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncSucceeded, res)

	sub := f.subs.get("s1")
	assert.Equal(t, models.GradeSyncSuccess, sub.GradeSyncStatus)
	assert.Equal(t, 4, sub.GradeSyncAttempts)
	assert.Nil(t, sub.GradeSyncError)

	require.Len(t, f.jobs.syncs, 3)
	assert.Equal(t, 30*time.Second, f.jobs.syncs[0].delay)
	assert.Equal(t, 60*time.Second, f.jobs.syncs[1].delay)
	assert.Equal(t, 120*time.Second, f.jobs.syncs[2].delay)

	res, err = f.svc.Sync(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncNoop, res)
	assert.EqualValues(t, 4, calls.Load())
}

func TestSyncPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newGradebookFixture(t, srv.URL)

	res, err := f.svc.Sync(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncFailed, res)

	sub := f.subs.get("s1")
	assert.Equal(t, models.GradeSyncFailed, sub.GradeSyncStatus)
	assert.Equal(t, 1, sub.GradeSyncAttempts)
	require.NotNil(t, sub.GradeSyncError)
	assert.Contains(t, *sub.GradeSyncError, "401")
	assert.Empty(t, f.jobs.syncs)
}

func TestSyncGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newGradebookFixture(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := f.svc.Sync(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, SyncRetrying, res)
	}
	res, err := f.svc.Sync(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncFailed, res)
	assert.Equal(t, 5, f.subs.get("s1").GradeSyncAttempts)
	assert.Len(t, f.jobs.syncs, 4)
}

func TestSyncSkipsWithoutCredentials(t *testing.T) {
	f := newGradebookFixture(t, "https://lms.example.edu/outcomes")
	f.svc.(*gradebookService).credentials = memCredentials{}

	res, err := f.svc.Sync(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncSkipped, res)
	assert.Equal(t, models.GradeSyncSkipped, f.subs.get("s1").GradeSyncStatus)
	assert.Zero(t, f.subs.get("s1").GradeSyncAttempts)
}

func TestSyncIgnoresUngraded(t *testing.T) {
	f := newGradebookFixture(t, "https://lms.example.edu/outcomes")
	f.subs.rows["s1"].Grade = nil

	res, err := f.svc.Sync(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, SyncNoop, res)
}

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/simwatch/internal/progress"
)

// TestJobProgressOK decodes a healthy one-shot response.
func TestJobProgressOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/jobs/job-7/progress", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"processing","progress":0.25,"current_run":25,"total_runs":100}`))
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL, time.Second, nil)
	frame, err := c.JobProgress(context.Background(), "job-7")
	require.NoError(t, err)
	require.Equal(t, "processing", frame.Status)
	require.NotNil(t, frame.CurrentRun)
	require.EqualValues(t, 25, *frame.CurrentRun)
}

// TestJobProgressNotFound maps a 404 to the terminal not_found status so the
// polling loop can finish a job the server forgot.
func TestJobProgressNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL, time.Second, nil)
	frame, err := c.JobProgress(context.Background(), "nope")
	require.NoError(t, err)
	status, ok := progress.ParseStatus(frame.Status)
	require.True(t, ok)
	require.Equal(t, progress.StatusNotFound, status)
}

// TestJobProgressServerError surfaces non-OK statuses as errors for the
// next-tick retry path.
func TestJobProgressServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL, time.Second, nil)
	_, err := c.JobProgress(context.Background(), "job-7")
	require.Error(t, err)
}

// TestJobProgressMalformedBody fails closed on bodies that do not decode.
func TestJobProgressMalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"progress": "lots"`))
	}))
	defer srv.Close()

	c := NewStatusClient(srv.URL, time.Second, nil)
	_, err := c.JobProgress(context.Background(), "job-7")
	require.Error(t, err)
}

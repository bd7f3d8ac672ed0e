package simserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/simwatch/internal/progress"
)

// TestGetProgress serves the latest frame for a registered job and 404s for
// unknown ids.
func TestGetProgress(t *testing.T) {
	t.Parallel()

	s := New(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	jobID := s.Register(nil)
	run := uint64(7)
	s.SetProgress(jobID, progress.Frame{Status: "processing", CurrentRun: &run})

	resp, err := http.Get(srv.URL + "/api/jobs/" + jobID + "/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := progress.Frame{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frame))
	require.Equal(t, "processing", frame.Status)
	require.NotNil(t, frame.CurrentRun)
	require.EqualValues(t, 7, *frame.CurrentRun)

	missing, err := http.Get(srv.URL + "/api/jobs/does-not-exist/progress")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

// TestCreateJob registers a demo job and returns its id.
func TestCreateJob(t *testing.T) {
	t.Parallel()

	s := New(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", strings.NewReader(`{"total_runs": 64}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["job_id"])

	status, err := http.Get(srv.URL + "/api/jobs/" + body["job_id"] + "/progress")
	require.NoError(t, err)
	defer status.Body.Close()
	require.Equal(t, http.StatusOK, status.StatusCode)
}

// TestDemoScriptEndsTerminal keeps the demo script honest: it must finish
// on a terminal status with full progress.
func TestDemoScriptEndsTerminal(t *testing.T) {
	t.Parallel()

	script := DemoScript(100)
	require.NotEmpty(t, script)
	last := script[len(script)-1].Frame
	status, ok := progress.ParseStatus(last.Status)
	require.True(t, ok)
	require.True(t, status.IsTerminal())
	require.NotNil(t, last.Progress)
	require.InDelta(t, 1.0, *last.Progress, 1e-9)
}

package progress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseStatusTolerance verifies case, separator, and family-prefix
// variants all resolve to the same status.
func TestParseStatusTolerance(t *testing.T) {
	t.Parallel()

	cases := map[string]JobStatus{
		"completed":     StatusCompleted,
		"COMPLETED":     StatusCompleted,
		"JOB_COMPLETED": StatusCompleted,
		"job_done":      StatusCompleted,
		"Job Cancelled": StatusCancelled,
		"canceled":      StatusCancelled,
		"JOB_FAILED":    StatusFailed,
		"failure":       StatusFailed,
		"not-found":     StatusNotFound,
		"NotFound":      StatusNotFound,
		" processing ":  StatusProcessing,
		"RUNNING":       StatusProcessing,
		"queued":        StatusSubmitted,
		"connecting":    StatusConnecting,
	}
	for raw, want := range cases {
		got, ok := ParseStatus(raw)
		require.True(t, ok, "status %q should parse", raw)
		require.Equal(t, want, got, "status %q", raw)
	}
}

// TestParseStatusUnknown checks unrecognized values are reported as such and
// never surface as terminal.
func TestParseStatusUnknown(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "exploded", "JOB_", "terminal"} {
		got, ok := ParseStatus(raw)
		require.False(t, ok, "status %q should not parse", raw)
		require.False(t, got.IsTerminal())
	}
}

// TestIsTerminal enumerates the four terminal variants.
func TestIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusNotFound}
	for _, s := range terminal {
		require.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range []JobStatus{StatusIdle, StatusSubmitted, StatusConnecting, StatusProcessing} {
		require.False(t, s.IsTerminal(), "%s", s)
	}
}

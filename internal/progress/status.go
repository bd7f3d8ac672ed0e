// Package progress defines the data model for tracked simulation jobs: the
// status enumeration, wire frames, the latest-known snapshot, and derived
// timing metrics.
package progress

import "strings"

// JobStatus identifies the lifecycle stage reported for a simulation job.
type JobStatus string

// Job statuses reported by the simulation service. StatusConnecting is an
// ephemeral handshake acknowledgement and never appears in a Snapshot.
const (
	StatusIdle       JobStatus = "idle"
	StatusSubmitted  JobStatus = "submitted"
	StatusConnecting JobStatus = "connecting"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusNotFound   JobStatus = "not_found"
)

// IsTerminal reports whether the job will not transition further.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusNotFound:
		return true
	default:
		return false
	}
}

// Label returns a human-readable form suitable for UI surfaces.
func (s JobStatus) Label() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusSubmitted:
		return "Submitted"
	case StatusConnecting:
		return "Connecting"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	case StatusNotFound:
		return "Not Found"
	default:
		return string(s)
	}
}

// ParseStatus normalizes a wire status string into a JobStatus. Matching is
// case-insensitive and tolerates an optional "JOB_" family prefix plus
// hyphen or space separators. The boolean result reports whether the value
// was recognized; callers must never treat an unrecognized status as
// terminal.
func ParseStatus(raw string) (JobStatus, bool) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	norm = strings.ReplaceAll(norm, " ", "_")
	norm = strings.TrimPrefix(norm, "job_")
	switch norm {
	case "idle":
		return StatusIdle, true
	case "submitted", "pending", "queued":
		return StatusSubmitted, true
	case "connecting":
		return StatusConnecting, true
	case "processing", "running", "in_progress":
		return StatusProcessing, true
	case "completed", "complete", "done", "success":
		return StatusCompleted, true
	case "failed", "failure", "error":
		return StatusFailed, true
	case "cancelled", "canceled":
		return StatusCancelled, true
	case "not_found", "notfound":
		return StatusNotFound, true
	default:
		return "", false
	}
}

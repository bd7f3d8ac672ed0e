package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame is the wire message shape shared by the progress stream and the
// one-shot status endpoint. Every field except Status is optional; absent
// fields stay nil so merges can distinguish "not sent" from an explicit zero.
type Frame struct {
	// Status is the raw status string; it is required on every frame.
	Status string `json:"status"`
	// Progress is the completion fraction in [0,1]; values outside the range
	// are clamped during merge.
	Progress *float64 `json:"progress,omitempty"`
	// CurrentRun is the index of the most recently finished simulation run.
	CurrentRun *uint64 `json:"current_run,omitempty"`
	// TotalRuns is the expected run count; an explicit positive value is the
	// only thing that may overwrite a previously observed total.
	TotalRuns *uint64 `json:"total_runs,omitempty"`
	// ETASeconds is a direct remaining-time estimate.
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	// EstimatedCompletionTime is a projected completion timestamp, used to
	// derive the ETA when ETASeconds is absent.
	EstimatedCompletionTime *time.Time `json:"estimated_completion_time,omitempty"`
	// Message carries optional human-readable context; it is only meaningful
	// on handshake acknowledgements.
	Message string `json:"message,omitempty"`
}

// ErrMissingStatus signals a frame without the mandatory status field.
var ErrMissingStatus = errors.New("frame missing status")

// DecodeFrame parses a raw JSON payload into a Frame. Unknown fields are
// ignored and malformed payloads produce an error, never a panic; callers
// log and drop frames that fail to decode.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode progress frame: %w", err)
	}
	if strings.TrimSpace(f.Status) == "" {
		return Frame{}, ErrMissingStatus
	}
	return f, nil
}

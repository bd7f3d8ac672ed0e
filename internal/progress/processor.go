package progress

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Kind classifies a processed frame.
type Kind int

// Frame classifications.
const (
	// KindHandshake is the stream-open acknowledgement; it mutates nothing
	// and triggers no callbacks.
	KindHandshake Kind = iota
	// KindProgress is a regular progress update.
	KindProgress
	// KindTerminal is a progress update whose status ends the job.
	KindTerminal
)

// Processor merges wire frames into monitor state and classifies them. It
// holds no job state of its own; the caller owns the State and must
// serialize Apply calls.
type Processor struct {
	logger *zap.Logger
}

// NewProcessor builds a Processor. A nil logger is replaced with a no-op.
func NewProcessor(logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{logger: logger}
}

// Apply merges one frame into st at time now and returns its classification.
//
// Handshake acknowledgements return before any mutation. For everything
// else the message counter and first-message timestamp advance, progress
// fields merge under the rules documented on Snapshot, the ETA resolves from
// either the direct seconds field or the projected completion timestamp, and
// throughput/processing-delay derive once run counts start moving.
func (p *Processor) Apply(st *State, f Frame, now time.Time) Kind {
	status, known := ParseStatus(f.Status)
	if known && status == StatusConnecting {
		return KindHandshake
	}

	st.Metrics.MessageCount++
	if st.Metrics.FirstMessageTime.IsZero() {
		st.Metrics.FirstMessageTime = now
	}

	if known {
		st.Snapshot.Status = status
	} else {
		// Unrecognized statuses never flip the snapshot and are never
		// terminal; the progress fields still merge.
		p.logger.Debug("unrecognized job status", zap.String("status", f.Status))
	}

	if f.Progress != nil {
		st.Snapshot.ProgressFraction = clamp01(*f.Progress)
	}
	if f.CurrentRun != nil {
		st.Snapshot.CurrentRun = *f.CurrentRun
	}
	if f.TotalRuns != nil && *f.TotalRuns > 0 {
		st.Snapshot.TotalRuns = *f.TotalRuns
	}

	switch {
	case f.ETASeconds != nil:
		st.Snapshot.ETASeconds = math.Max(0, *f.ETASeconds)
		st.Snapshot.HasETA = true
	case f.EstimatedCompletionTime != nil:
		st.Snapshot.ETASeconds = math.Max(0, math.Round(f.EstimatedCompletionTime.Sub(now).Seconds()))
		st.Snapshot.HasETA = true
	}

	if st.Snapshot.CurrentRun > 0 {
		if st.Metrics.ProcessingStartTime.IsZero() {
			st.Metrics.ProcessingStartTime = now
			if !st.Metrics.JobSubmissionTime.IsZero() {
				st.Metrics.ProcessingDelay = now.Sub(st.Metrics.JobSubmissionTime)
			}
		} else if elapsed := now.Sub(st.Metrics.ProcessingStartTime); elapsed > 0 {
			st.Metrics.Throughput = float64(st.Snapshot.CurrentRun) / elapsed.Seconds()
		}
	}

	if known && status.IsTerminal() {
		return KindTerminal
	}
	return KindProgress
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

package progress

import (
	"fmt"
	"time"
)

// Snapshot is the latest known progress state for the tracked job. Accessors
// hand out copies, so consumers can hold one across callback boundaries.
type Snapshot struct {
	// Status is the last recognized job status.
	Status JobStatus
	// ProgressFraction is the completion fraction, always within [0,1].
	ProgressFraction float64
	// CurrentRun is the most recently reported run index.
	CurrentRun uint64
	// TotalRuns is the expected run count. Once positive it never regresses
	// to zero; only an explicit new total from the wire replaces it.
	TotalRuns uint64
	// ETASeconds is the remaining-time estimate; valid only when HasETA.
	ETASeconds float64
	// HasETA reports whether an ETA has been observed.
	HasETA bool
}

// ETALabel renders the ETA as a short human-readable string.
func (s Snapshot) ETALabel() string {
	if !s.HasETA {
		return "unknown"
	}
	d := time.Duration(s.ETASeconds * float64(time.Second)).Round(time.Second)
	if d <= 0 {
		return "any moment"
	}
	return fmt.Sprintf("%s remaining", d)
}

// Metrics captures derived timing information for a tracked job. The four
// timestamps are set at most once each, monotonically in declaration order
// when present; the derived durations are computed once and then frozen.
type Metrics struct {
	// JobSubmissionTime is recorded when tracking begins.
	JobSubmissionTime time.Time
	// StreamConnectionTime is recorded when the stream first opens.
	StreamConnectionTime time.Time
	// FirstMessageTime is recorded on the first non-handshake message; it is
	// diagnostic only and drives no derived value.
	FirstMessageTime time.Time
	// ProcessingStartTime is recorded on the first message with CurrentRun>0.
	ProcessingStartTime time.Time
	// MessageCount counts non-handshake messages, a reliable sequence number
	// for diagnostics.
	MessageCount uint64
	// Throughput is runs per second, recomputed per message once
	// ProcessingStartTime is known and CurrentRun is positive.
	Throughput float64
	// ConnectionDelay is StreamConnectionTime - JobSubmissionTime.
	ConnectionDelay time.Duration
	// ProcessingDelay is ProcessingStartTime - JobSubmissionTime.
	ProcessingDelay time.Duration
	// TotalDuration is completion time - JobSubmissionTime.
	TotalDuration time.Duration
}

// State bundles the snapshot and metrics mutated by the Processor. The stream
// handler and the fallback poller both funnel frames through a single State
// under the owner's lock, so the merge invariants hold for any interleaving.
type State struct {
	Snapshot Snapshot
	Metrics  Metrics
}

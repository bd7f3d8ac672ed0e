package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/simwatch/internal/metrics"
)

// fallbackPoller holds the activation state for the one-shot polling loop.
// All fields are guarded by the Monitor's mutex; the generation counter
// bumps on every activation and deactivation so that ticks and in-flight
// responses stamped with an old generation are no-ops.
type fallbackPoller struct {
	active     bool
	generation uint64
	cancel     context.CancelFunc
}

// activateFallbackLocked starts the polling loop unless it is already
// running for the current generation. With immediate set (used when the
// stream connection failed outright) the first poll happens right away;
// otherwise it is delayed to give the stream a chance to recover on its
// own. Caller holds m.mu.
func (m *Monitor) activateFallbackLocked(epoch uint64, immediate bool) {
	if m.poll.active || m.jobID == "" || m.completed {
		return
	}
	m.poll.active = true
	m.poll.generation++
	gen := m.poll.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.poll.cancel = cancel

	metrics.ObserveFallbackActivation()
	m.logger.Info("fallback polling activated",
		zap.String("job_id", m.jobID), zap.Bool("immediate", immediate))
	go m.runFallback(ctx, epoch, gen, m.jobID, immediate)
}

// deactivateFallbackLocked cancels the polling loop and bumps the generation
// so any in-flight response is discarded. Safe when not active. Caller
// holds m.mu.
func (m *Monitor) deactivateFallbackLocked() {
	if !m.poll.active {
		return
	}
	m.poll.active = false
	m.poll.generation++
	if m.poll.cancel != nil {
		m.poll.cancel()
		m.poll.cancel = nil
	}
}

func (m *Monitor) runFallback(ctx context.Context, epoch, gen uint64, jobID string, immediate bool) {
	if immediate {
		if !m.pollTick(ctx, epoch, gen, jobID) {
			return
		}
	} else {
		first := time.NewTimer(m.cfg.PollFirstDelay)
		select {
		case <-ctx.Done():
			first.Stop()
			return
		case <-first.C:
		}
		if !m.pollTick(ctx, epoch, gen, jobID) {
			return
		}
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.pollTick(ctx, epoch, gen, jobID) {
				return
			}
		}
	}
}

// pollTick performs a single fallback poll. It reports whether the loop
// should continue; a request failure stays silent and lets the next tick
// retry.
func (m *Monitor) pollTick(ctx context.Context, epoch, gen uint64, jobID string) bool {
	m.mu.Lock()
	if epoch != m.epoch || m.completed || !m.poll.active || gen != m.poll.generation {
		m.mu.Unlock()
		return false
	}
	if !m.lastRealMsg.IsZero() && m.nowFn().Sub(m.lastRealMsg) < m.cfg.StreamFreshFor {
		// The stream recovered on its own; stand down.
		m.deactivateFallbackLocked()
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	frame, err := m.status.JobProgress(reqCtx, jobID)
	cancel()
	if err != nil {
		metrics.ObservePollRequest("error")
		m.logger.Debug("fallback poll failed", zap.String("job_id", jobID), zap.Error(err))
		return true
	}
	metrics.ObservePollRequest("ok")
	m.applyFrame(epoch, gen, frame, sourcePoll)
	return true
}

// Package monitor implements the client-side live progress monitor for a
// single long-running simulation job. It owns the stream lifecycle
// (connect, reconnect with a bounded budget, idempotent teardown), a
// fallback polling loop for silent streams, and exactly-once completion
// notification.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/quantfold/simwatch/internal/metrics"
	"github.com/quantfold/simwatch/internal/progress"
)

// Stream is an open progress stream handle.
type Stream interface {
	Close() error
}

// StreamDialer opens the live progress stream for a job. Dial blocks until
// the stream is established or fails; after a successful return, onFrame is
// invoked once per inbound data frame and onClose exactly once when the
// stream ends for any reason other than Close.
type StreamDialer interface {
	Dial(ctx context.Context, jobID string, onFrame func([]byte), onClose func(error)) (Stream, error)
}

// StatusClient fetches a one-shot progress report for a job.
type StatusClient interface {
	JobProgress(ctx context.Context, jobID string) (progress.Frame, error)
}

// connState tracks the stream sub-state machine. It is internal; consumers
// observe only snapshots and callbacks.
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateClosed
)

// Config controls Monitor timing behavior. Zero values fall back to the
// defaults below.
//   - WatchdogDelay: stream silence tolerated before fallback polling arms (1s).
//   - PollInterval: fallback tick interval (200ms).
//   - PollFirstDelay: delay before the first non-immediate fallback tick (1s).
//   - ReconnectDelay: base delay between stream reconnect attempts (2s).
//   - MaxReconnects: reconnect budget per Connect call (3).
//   - RequestTimeout: per fallback poll request budget (3s).
//   - DialTimeout: stream handshake budget (5s).
//   - StreamFreshFor: how recent a stream message must be to count the
//     stream as live during a fallback tick (1s).
type Config struct {
	WatchdogDelay  time.Duration
	PollInterval   time.Duration
	PollFirstDelay time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	StreamFreshFor time.Duration
	Logger         *zap.Logger
}

const (
	defaultWatchdogDelay  = time.Second
	defaultPollInterval   = 200 * time.Millisecond
	defaultPollFirstDelay = time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 3
	defaultRequestTimeout = 3 * time.Second
	defaultDialTimeout    = 5 * time.Second
	defaultStreamFreshFor = time.Second
)

// frameSource identifies which pipeline leg delivered a frame.
type frameSource int

const (
	sourceStream frameSource = iota
	sourcePoll
)

// Monitor is the public object the application holds. One instance tracks
// one job at a time; a fresh Connect resets all state. All exported methods
// are safe for concurrent use and none of them block on network work.
type Monitor struct {
	dialer StreamDialer
	status StatusClient
	cfg    Config
	logger *zap.Logger
	proc   *progress.Processor
	disp   *dispatcher
	nowFn  func() time.Time

	mu             sync.Mutex
	epoch          uint64
	connSeq        uint64
	jobID          string
	state          progress.State
	connState      connState
	stream         Stream
	reconnects     int
	reconnectWait  *backoff.ExponentialBackOff
	lastRealMsg    time.Time
	completed      bool
	watchdog       *time.Timer
	reconnectTimer *time.Timer
	poll           fallbackPoller
}

// New builds a Monitor around the given transports. Both are required; the
// returned Monitor is idle until Connect.
func New(dialer StreamDialer, status StatusClient, cfg Config) *Monitor {
	if cfg.WatchdogDelay <= 0 {
		cfg.WatchdogDelay = defaultWatchdogDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollFirstDelay <= 0 {
		cfg.PollFirstDelay = defaultPollFirstDelay
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.StreamFreshFor <= 0 {
		cfg.StreamFreshFor = defaultStreamFreshFor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		dialer: dialer,
		status: status,
		cfg:    cfg,
		logger: logger,
		proc:   progress.NewProcessor(logger),
		disp:   newDispatcher(defaultNoteBuffer, logger),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	m.state.Snapshot.Status = progress.StatusIdle
	return m
}

// SetCallbacks registers the notification hooks. Registration is
// last-write-wins and may happen before or after Connect.
func (m *Monitor) SetCallbacks(cbs Callbacks) {
	m.disp.setCallbacks(cbs)
}

// Connect starts tracking jobID. It is a no-op when already connecting or
// connected for the same job; tracking a different job tears the previous
// one down first. A positive expectedTotalRuns seeds the snapshot total
// until the wire supplies one. Connect returns immediately; the stream is
// opened in the background.
func (m *Monitor) Connect(jobID string, expectedTotalRuns uint64) {
	if jobID == "" {
		return
	}
	m.mu.Lock()
	if m.jobID == jobID && (m.connState == stateConnecting || m.connState == stateConnected) {
		m.mu.Unlock()
		return
	}
	old := m.teardownLocked()

	m.epoch++
	epoch := m.epoch
	m.jobID = jobID
	m.completed = false
	m.reconnects = 0
	m.reconnectWait = newReconnectWait(m.cfg.ReconnectDelay)
	m.lastRealMsg = time.Time{}
	m.state = progress.State{}
	m.state.Snapshot.Status = progress.StatusSubmitted
	if expectedTotalRuns > 0 {
		m.state.Snapshot.TotalRuns = expectedTotalRuns
	}
	m.state.Metrics.JobSubmissionTime = m.nowFn()
	m.connState = stateConnecting
	m.watchdog = time.AfterFunc(m.cfg.WatchdogDelay, func() { m.watchdogFired(epoch) })
	m.mu.Unlock()

	closeStream(old)
	go m.openStream(epoch, jobID)
}

// Disconnect stops tracking, leaving zero pending timers or open handles.
// It is idempotent and safe from any state, including never-connected.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	old := m.teardownLocked()
	m.jobID = ""
	m.state.Snapshot.Status = progress.StatusIdle
	m.mu.Unlock()
	closeStream(old)
}

// Close disconnects and shuts down callback delivery. The Monitor must not
// be reused afterwards.
func (m *Monitor) Close(ctx context.Context) error {
	m.Disconnect()
	return m.disp.close(ctx)
}

// Snapshot returns a copy of the current progress snapshot.
func (m *Monitor) Snapshot() progress.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Snapshot
}

// Metrics returns a copy of the current timing metrics.
func (m *Monitor) Metrics() progress.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Metrics
}

// JobID returns the tracked job id, or "" when none.
func (m *Monitor) JobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobID
}

// StatusLabel returns the human-readable form of the current status.
func (m *Monitor) StatusLabel() string {
	return m.Snapshot().Status.Label()
}

// ETALabel returns the human-readable form of the current ETA.
func (m *Monitor) ETALabel() string {
	return m.Snapshot().ETALabel()
}

// teardownLocked cancels every timer, deactivates polling, bumps the epoch
// so in-flight asynchronous callbacks become no-ops, and detaches the
// stream. The caller closes the returned stream outside the lock.
func (m *Monitor) teardownLocked() Stream {
	m.epoch++
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.deactivateFallbackLocked()
	m.reconnects = 0
	m.connState = stateIdle
	old := m.stream
	m.stream = nil
	return old
}

func (m *Monitor) openStream(epoch uint64, jobID string) {
	m.mu.Lock()
	if epoch != m.epoch || m.completed {
		m.mu.Unlock()
		return
	}
	m.connSeq++
	seq := m.connSeq
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	stream, err := m.dialer.Dial(ctx, jobID,
		func(data []byte) { m.handleStreamFrame(epoch, data) },
		func(cause error) { m.handleStreamDown(epoch, seq, cause, false) },
	)

	m.mu.Lock()
	if epoch != m.epoch || m.completed {
		m.mu.Unlock()
		if err == nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("progress stream dial failed",
			zap.String("job_id", jobID), zap.Error(err))
		m.mu.Unlock()
		m.handleStreamDown(epoch, seq, err, true)
		return
	}
	if seq != m.connSeq || m.connState != stateConnecting {
		// The read loop starts inside Dial, so the stream can drop before
		// this bookkeeping runs. The close handler has already recorded
		// the drop and scheduled recovery; keep its state.
		m.mu.Unlock()
		_ = stream.Close()
		return
	}
	m.stream = stream
	m.connState = stateConnected
	m.reconnects = 0
	m.reconnectWait.Reset()
	if m.state.Metrics.StreamConnectionTime.IsZero() {
		now := m.nowFn()
		m.state.Metrics.StreamConnectionTime = now
		m.state.Metrics.ConnectionDelay = now.Sub(m.state.Metrics.JobSubmissionTime)
	}
	m.mu.Unlock()

	metrics.ObserveStreamConnect()
	m.disp.notice("connected to job progress stream")
	m.logger.Info("progress stream connected", zap.String("job_id", jobID))
}

func (m *Monitor) handleStreamFrame(epoch uint64, data []byte) {
	frame, err := progress.DecodeFrame(data)
	if err != nil {
		metrics.ObserveParseError()
		m.logger.Warn("dropping malformed progress frame", zap.Error(err))
		return
	}
	m.applyFrame(epoch, 0, frame, sourceStream)
}

// closeStream closes a detached stream handle. Must be called outside the
// Monitor mutex.
func closeStream(s Stream) {
	if s != nil {
		_ = s.Close()
	}
}

// handleStreamDown reacts to a stream close or an outright dial failure.
// While the job is still active and the reconnect budget has room, fallback
// polling activates as a safety net and a reconnect is scheduled; once the
// budget is spent, polling remains the last line of defense.
func (m *Monitor) handleStreamDown(epoch, seq uint64, cause error, dialFailed bool) {
	m.mu.Lock()
	if epoch != m.epoch || seq != m.connSeq || m.completed {
		m.mu.Unlock()
		return
	}
	m.connState = stateClosed
	old := m.stream
	m.stream = nil
	jobID := m.jobID
	if jobID == "" {
		m.mu.Unlock()
		closeStream(old)
		return
	}
	if cause != nil {
		m.logger.Warn("progress stream down",
			zap.String("job_id", jobID), zap.Bool("dial_failed", dialFailed), zap.Error(cause))
	}
	m.activateFallbackLocked(epoch, dialFailed)
	if m.reconnects >= m.cfg.MaxReconnects {
		m.mu.Unlock()
		closeStream(old)
		m.disp.notice("progress stream reconnect budget exhausted; polling for updates")
		return
	}
	m.reconnects++
	m.connState = stateReconnecting
	delay := m.reconnectWait.NextBackOff()
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectFired(epoch) })
	attempt := m.reconnects
	m.mu.Unlock()

	closeStream(old)
	metrics.ObserveReconnectScheduled()
	m.disp.notice("progress stream interrupted; reconnecting")
	m.logger.Info("progress stream reconnect scheduled",
		zap.String("job_id", jobID), zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (m *Monitor) reconnectFired(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.completed || m.jobID == "" {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.connState = stateConnecting
	jobID := m.jobID
	m.mu.Unlock()
	go m.openStream(epoch, jobID)
}

// watchdogFired activates fallback polling when the stream produced no real
// message within the watchdog window after Connect.
func (m *Monitor) watchdogFired(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.completed {
		return
	}
	m.watchdog = nil
	if m.lastRealMsg.IsZero() {
		m.activateFallbackLocked(epoch, false)
	}
}

// applyFrame is the single state-mutation path shared by the stream handler
// and the fallback poller, preserving the merge invariants for any
// interleaving. pollGen is checked only for sourcePoll frames so a stale
// in-flight poll response is discarded once polling has moved on.
func (m *Monitor) applyFrame(epoch, pollGen uint64, frame progress.Frame, src frameSource) {
	m.mu.Lock()
	if epoch != m.epoch || m.completed {
		m.mu.Unlock()
		return
	}
	if src == sourcePoll && (!m.poll.active || pollGen != m.poll.generation) {
		m.mu.Unlock()
		return
	}
	now := m.nowFn()
	prevStatus := m.state.Snapshot.Status
	kind := m.proc.Apply(&m.state, frame, now)
	if kind == progress.KindHandshake {
		m.mu.Unlock()
		metrics.ObserveFrame("handshake")
		return
	}
	if src == sourceStream {
		// Real stream data always wins over polling.
		m.lastRealMsg = now
		m.deactivateFallbackLocked()
	}
	snap := m.state.Snapshot
	statusChanged := snap.Status != prevStatus
	terminal := kind == progress.KindTerminal
	var old Stream
	if terminal {
		old = m.completeLocked(now)
	}
	m.mu.Unlock()

	if terminal {
		metrics.ObserveFrame("terminal")
	} else {
		metrics.ObserveFrame("progress")
	}
	closeStream(old)
	m.disp.message(snap)
	if statusChanged {
		m.disp.statusChange(snap.Status)
	}
	if terminal {
		metrics.ObserveJobCompleted(string(snap.Status))
		m.disp.completion(snap.Status)
		m.logger.Info("job reached terminal status",
			zap.String("job_id", m.JobID()), zap.String("status", string(snap.Status)),
			zap.Duration("total_duration", m.Metrics().TotalDuration))
	}
}

// completeLocked is the single job-completion routine. The completed flag
// makes it idempotent: a near-simultaneous stream terminal frame and a
// fallback-poll terminal response cannot both reach it.
func (m *Monitor) completeLocked(now time.Time) Stream {
	m.completed = true
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.deactivateFallbackLocked()
	m.state.Metrics.TotalDuration = now.Sub(m.state.Metrics.JobSubmissionTime)
	m.connState = stateClosed
	old := m.stream
	m.stream = nil
	return old
}

func newReconnectWait(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 1.5
	b.MaxInterval = 10 * base
	b.Reset()
	return b
}

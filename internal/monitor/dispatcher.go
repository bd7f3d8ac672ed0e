package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/simwatch/internal/progress"
)

// Callbacks holds the optional notification hooks registered by the
// consumer. Registration is last-write-wins; there is no multi-subscriber
// fan-out.
type Callbacks struct {
	// OnMessage receives the merged snapshot after every progress update.
	OnMessage func(progress.Snapshot)
	// OnStatusChange fires when the snapshot status changes value.
	OnStatusChange func(progress.JobStatus)
	// OnCompletion fires at most once per Connect with the terminal status.
	OnCompletion func(progress.JobStatus)
	// OnNotice receives non-fatal transport notices (connected, reconnect
	// budget exhausted) suitable for UI toasts.
	OnNotice func(string)
}

type noteKind int

const (
	noteMessage noteKind = iota
	noteStatus
	noteCompletion
	noteNotice
)

type note struct {
	kind     noteKind
	snapshot progress.Snapshot
	status   progress.JobStatus
	text     string
}

const (
	defaultNoteBuffer = 64
	dropLogInterval   = 5 * time.Second
)

// dispatcher serializes callback invocation on a dedicated goroutine so that
// a callback which re-enters the monitor (e.g. to Disconnect) can never
// interleave with state mutation on the caller's stack. Enqueueing never
// blocks; when the consumer falls far enough behind, notifications are
// dropped with a rate-limited warning.
type dispatcher struct {
	logger      *zap.Logger
	notes       chan note
	stopCh      chan struct{}
	doneCh      chan struct{}
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once

	mu  sync.Mutex
	cbs Callbacks
}

func newDispatcher(buffer int, logger *zap.Logger) *dispatcher {
	if buffer <= 0 {
		buffer = defaultNoteBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &dispatcher{
		logger:      logger,
		notes:       make(chan note, buffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go d.run()
	return d
}

func (d *dispatcher) setCallbacks(cbs Callbacks) {
	d.mu.Lock()
	d.cbs = cbs
	d.mu.Unlock()
}

func (d *dispatcher) message(snap progress.Snapshot) {
	d.emit(note{kind: noteMessage, snapshot: snap})
}

func (d *dispatcher) statusChange(status progress.JobStatus) {
	d.emit(note{kind: noteStatus, status: status})
}

func (d *dispatcher) completion(status progress.JobStatus) {
	d.emit(note{kind: noteCompletion, status: status})
}

func (d *dispatcher) notice(text string) {
	d.emit(note{kind: noteNotice, text: text})
}

func (d *dispatcher) emit(n note) {
	if d.closed.Load() {
		return
	}
	select {
	case d.notes <- n:
	default:
		d.dropped.Add(1)
		if d.dropLimiter.Allow(time.Now()) {
			count := d.dropped.Swap(0)
			d.logger.Warn("progress notifications dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// close drains queued notifications and blocks until the delivery goroutine
// exits. Safe to call multiple times.
func (d *dispatcher) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stopCh)
	})
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher close wait: %w", ctx.Err())
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case n := <-d.notes:
			d.deliver(n)
		case <-d.stopCh:
			for {
				select {
				case n := <-d.notes:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(n note) {
	d.mu.Lock()
	cbs := d.cbs
	d.mu.Unlock()
	switch n.kind {
	case noteMessage:
		if cbs.OnMessage != nil {
			cbs.OnMessage(n.snapshot)
		}
	case noteStatus:
		if cbs.OnStatusChange != nil {
			cbs.OnStatusChange(n.status)
		}
	case noteCompletion:
		if cbs.OnCompletion != nil {
			cbs.OnCompletion(n.status)
		}
	case noteNotice:
		if cbs.OnNotice != nil {
			cbs.OnNotice(n.text)
		}
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}

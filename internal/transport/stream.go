// Package transport implements the WebSocket stream client and the one-shot
// HTTP status client used to follow job progress.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/quantfold/simwatch/internal/monitor"
)

// StreamDialer opens job progress streams over WebSocket. The zero value is
// not usable; construct with NewStreamDialer.
type StreamDialer struct {
	base   string
	logger *zap.Logger
}

// NewStreamDialer builds a dialer for the given base URL (ws:// or wss://,
// no trailing slash required). A nil logger is replaced with a no-op.
func NewStreamDialer(baseURL string, logger *zap.Logger) *StreamDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamDialer{
		base:   strings.TrimRight(baseURL, "/"),
		logger: logger,
	}
}

// Dial connects to the job-scoped stream endpoint and starts a read loop.
// onFrame receives each text frame; onClose fires exactly once when the
// stream ends for any reason other than Close. Both run on the read
// goroutine.
func (d *StreamDialer) Dial(ctx context.Context, jobID string, onFrame func([]byte), onClose func(error)) (monitor.Stream, error) {
	endpoint := fmt.Sprintf("%s/api/jobs/%s/stream", d.base, url.PathEscape(jobID))
	conn, br, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial progress stream: %w", err)
	}
	var r io.Reader = conn
	if br != nil {
		// The handshake reader may hold frames the server sent immediately.
		r = br
	}
	s := &wsStream{
		conn:   conn,
		rw:     readWriter{Reader: r, Writer: conn},
		logger: d.logger,
	}
	go s.readLoop(onFrame, onClose)
	return s, nil
}

type readWriter struct {
	io.Reader
	io.Writer
}

type wsStream struct {
	conn       net.Conn
	rw         readWriter
	logger     *zap.Logger
	closedByUs atomic.Bool
	closeOnce  sync.Once
}

func (s *wsStream) readLoop(onFrame func([]byte), onClose func(error)) {
	for {
		data, op, err := wsutil.ReadServerData(s.rw)
		if err != nil {
			if s.closedByUs.Load() {
				// The monitor asked for teardown; handlers are detached.
				return
			}
			var ce wsutil.ClosedError
			if errors.As(err, &ce) && ce.Code == ws.StatusNormalClosure {
				onClose(nil)
				return
			}
			onClose(err)
			return
		}
		if op != ws.OpText {
			continue
		}
		onFrame(data)
	}
}

// Close tears down the connection. Idempotent; the read loop stays silent
// once Close has been called.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closedByUs.Store(true)
		if werr := wsutil.WriteClientMessage(s.conn, ws.OpClose, nil); werr != nil {
			s.logger.Debug("write close frame failed", zap.Error(werr))
		}
		err = s.conn.Close()
	})
	return err
}

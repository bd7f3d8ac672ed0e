package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/simwatch/internal/progress"
	"github.com/quantfold/simwatch/internal/simserver"
)

func u64(v uint64) *uint64 { return &v }

func wsBase(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// TestStreamDialReceivesScript dials a scripted simserver job and receives
// the handshake plus every scripted frame, then a clean close.
func TestStreamDialReceivesScript(t *testing.T) {
	t.Parallel()

	sim := simserver.New(nil)
	srv := httptest.NewServer(sim.Handler())
	defer srv.Close()

	jobID := sim.Register([]simserver.Step{
		{After: 5 * time.Millisecond, Frame: progress.Frame{Status: "processing", CurrentRun: u64(10)}},
		{After: 5 * time.Millisecond, Frame: progress.Frame{Status: "completed", CurrentRun: u64(10)}},
	})

	var (
		mu     sync.Mutex
		frames []progress.Frame
		closed bool
		cause  error
	)
	dialer := NewStreamDialer(wsBase(srv.URL), nil)
	stream, err := dialer.Dial(context.Background(), jobID,
		func(data []byte) {
			f, derr := progress.DecodeFrame(data)
			require.NoError(t, derr)
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
		func(err error) {
			mu.Lock()
			closed = true
			cause = err
			mu.Unlock()
		},
	)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closed
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, cause) // normal closure
	require.Len(t, frames, 3) // handshake + two scripted frames
	hs, ok := progress.ParseStatus(frames[0].Status)
	require.True(t, ok)
	require.Equal(t, progress.StatusConnecting, hs)
	require.Equal(t, "completed", frames[2].Status)
}

// TestStreamDialUnknownJob fails the handshake for unregistered jobs.
func TestStreamDialUnknownJob(t *testing.T) {
	t.Parallel()

	sim := simserver.New(nil)
	srv := httptest.NewServer(sim.Handler())
	defer srv.Close()

	dialer := NewStreamDialer(wsBase(srv.URL), nil)
	_, err := dialer.Dial(context.Background(), "missing",
		func([]byte) {}, func(error) {})
	require.Error(t, err)
}

// TestStreamCloseSilencesHandlers checks the read loop stays quiet once the
// caller has closed the stream.
func TestStreamCloseSilencesHandlers(t *testing.T) {
	t.Parallel()

	sim := simserver.New(nil)
	srv := httptest.NewServer(sim.Handler())
	defer srv.Close()

	jobID := sim.Register([]simserver.Step{
		{After: 50 * time.Millisecond, Frame: progress.Frame{Status: "processing"}},
	})

	var closeCalls int
	var mu sync.Mutex
	dialer := NewStreamDialer(wsBase(srv.URL), nil)
	stream, err := dialer.Dial(context.Background(), jobID,
		func([]byte) {},
		func(error) {
			mu.Lock()
			closeCalls++
			mu.Unlock()
		},
	)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close()) // idempotent

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, closeCalls)
}

// Package simserver provides an in-process double of the simulation
// service's progress endpoints. Integration tests and local development use
// it to exercise the monitor against a real WebSocket stream and a real
// one-shot status endpoint without a simulation backend.
package simserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfold/simwatch/internal/progress"
)

// Step is one scripted stream frame with the delay to wait before sending it.
type Step struct {
	After time.Duration
	Frame progress.Frame
}

// Server plays scripted progress over the same two endpoints the real
// service exposes: GET /api/jobs/{job_id}/stream (WebSocket) and
// GET /api/jobs/{job_id}/progress (one-shot JSON).
type Server struct {
	logger *zap.Logger
	router chi.Router

	mu   sync.Mutex
	jobs map[string]*scriptedJob
}

type scriptedJob struct {
	mu     sync.Mutex
	script []Step
	latest progress.Frame
	// refuseStream makes stream upgrades fail, forcing clients onto the
	// one-shot endpoint.
	refuseStream bool
	// dropAfter closes the stream early after this many script steps have
	// been sent (0 means play to the end).
	dropAfter int
}

// New builds a Server with no jobs registered.
func New(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger: logger,
		jobs:   make(map[string]*scriptedJob),
	}
	r := chi.NewRouter()
	r.Post("/api/jobs", s.createJob)
	r.Route("/api/jobs/{job_id}", func(r chi.Router) {
		r.Get("/progress", s.getProgress)
		r.Get("/stream", s.streamJob)
	})
	s.router = r
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Register adds a scripted job and returns its id. The one-shot endpoint
// reports the most recently streamed frame, starting from a submitted
// status until the stream has sent anything.
func (s *Server) Register(script []Step) string {
	id := uuid.NewString()
	job := &scriptedJob{
		script: append([]Step(nil), script...),
		latest: progress.Frame{Status: string(progress.StatusSubmitted)},
	}
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return id
}

// SetProgress overrides the one-shot response for a job, independent of the
// stream script. Tests use it to drive the fallback path directly.
func (s *Server) SetProgress(jobID string, f progress.Frame) {
	if job := s.lookup(jobID); job != nil {
		job.mu.Lock()
		job.latest = f
		job.mu.Unlock()
	}
}

// RefuseStream makes stream upgrades for a job fail with 503 so clients
// must fall back to polling.
func (s *Server) RefuseStream(jobID string) {
	if job := s.lookup(jobID); job != nil {
		job.mu.Lock()
		job.refuseStream = true
		job.mu.Unlock()
	}
}

// DropStreamAfter closes the job's stream early after n script steps.
func (s *Server) DropStreamAfter(jobID string, n int) {
	if job := s.lookup(jobID); job != nil {
		job.mu.Lock()
		job.dropAfter = n
		job.mu.Unlock()
	}
}

func (s *Server) lookup(jobID string) *scriptedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID]
}

// createJob handles POST /api/jobs with an optional {"total_runs": N} body.
// It registers a self-playing demo job that steps to completion.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TotalRuns uint64 `json:"total_runs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	total := body.TotalRuns
	if total == 0 {
		total = 100
	}
	id := s.Register(DemoScript(total))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// getProgress handles the one-shot status endpoint.
func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job := s.lookup(jobID)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.mu.Lock()
	latest := job.latest
	job.mu.Unlock()
	writeJSON(w, http.StatusOK, latest)
}

// streamJob upgrades to WebSocket and plays the job's script: a handshake
// acknowledgement first, then each step after its delay.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job := s.lookup(jobID)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.mu.Lock()
	refuse := job.refuseStream
	job.mu.Unlock()
	if refuse {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("stream upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	go s.playScript(jobID, job, conn)
}

func (s *Server) playScript(jobID string, job *scriptedJob, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	handshake := progress.Frame{
		Status:  string(progress.StatusConnecting),
		Message: "stream established",
	}
	if !s.send(jobID, conn, handshake) {
		return
	}

	job.mu.Lock()
	script := job.script
	dropAfter := job.dropAfter
	job.mu.Unlock()

	for i, step := range script {
		if dropAfter > 0 && i >= dropAfter {
			return
		}
		time.Sleep(step.After)
		job.mu.Lock()
		job.latest = step.Frame
		job.mu.Unlock()
		if !s.send(jobID, conn, step.Frame) {
			return
		}
	}
	_ = wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
}

func (s *Server) send(jobID string, w io.Writer, f progress.Frame) bool {
	payload, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("marshal frame failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	if err := wsutil.WriteServerMessage(w, ws.OpText, payload); err != nil {
		s.logger.Debug("stream write failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return true
}

// DemoScript builds a short self-playing script that walks a job from
// submission to completion over roughly two seconds.
func DemoScript(totalRuns uint64) []Step {
	step := func(after time.Duration, run uint64) Step {
		frac := float64(run) / float64(totalRuns)
		eta := float64(totalRuns-run) / 50
		return Step{
			After: after,
			Frame: progress.Frame{
				Status:     string(progress.StatusProcessing),
				Progress:   &frac,
				CurrentRun: &run,
				TotalRuns:  &totalRuns,
				ETASeconds: &eta,
			},
		}
	}
	return []Step{
		{After: 50 * time.Millisecond, Frame: progress.Frame{Status: string(progress.StatusSubmitted)}},
		step(400*time.Millisecond, totalRuns/4),
		step(400*time.Millisecond, totalRuns/2),
		step(400*time.Millisecond, 3*totalRuns/4),
		{
			After: 400 * time.Millisecond,
			Frame: progress.Frame{
				Status:     string(progress.StatusCompleted),
				Progress:   f64(1),
				CurrentRun: &totalRuns,
				TotalRuns:  &totalRuns,
			},
		},
	}
}

func f64(v float64) *float64 { return &v }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

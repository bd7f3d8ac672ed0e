// Package metrics exposes Prometheus collectors for the progress monitor.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	streamFramesTotal        *prometheus.CounterVec
	streamConnectsTotal      prometheus.Counter
	reconnectsScheduledTotal prometheus.Counter
	fallbackActivationsTotal prometheus.Counter
	pollRequestsTotal        *prometheus.CounterVec
	frameParseErrorsTotal    prometheus.Counter
	jobsCompletedTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; observe helpers call it themselves so embedding applications only
// need Handler.
func Init() {
	once.Do(func() {
		streamFramesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simwatch_stream_frames_total",
				Help: "Total processed progress frames, labeled by classification.",
			},
			[]string{"kind"},
		)

		streamConnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "simwatch_stream_connects_total",
				Help: "Total successful progress stream connections.",
			},
		)

		reconnectsScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "simwatch_reconnects_scheduled_total",
				Help: "Total stream reconnect attempts scheduled.",
			},
		)

		fallbackActivationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "simwatch_fallback_activations_total",
				Help: "Total activations of the fallback polling loop.",
			},
		)

		pollRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simwatch_poll_requests_total",
				Help: "Total fallback status poll requests, labeled by result.",
			},
			[]string{"result"},
		)

		frameParseErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "simwatch_frame_parse_errors_total",
				Help: "Total inbound frames dropped as malformed.",
			},
		)

		jobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "simwatch_jobs_completed_total",
				Help: "Total jobs observed reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFrame counts one processed frame of the given classification.
func ObserveFrame(kind string) {
	Init()
	streamFramesTotal.WithLabelValues(kind).Inc()
}

// ObserveStreamConnect counts a successful stream connection.
func ObserveStreamConnect() {
	Init()
	streamConnectsTotal.Inc()
}

// ObserveReconnectScheduled counts a scheduled reconnect attempt.
func ObserveReconnectScheduled() {
	Init()
	reconnectsScheduledTotal.Inc()
}

// ObserveFallbackActivation counts an activation of fallback polling.
func ObserveFallbackActivation() {
	Init()
	fallbackActivationsTotal.Inc()
}

// ObservePollRequest counts one fallback poll request by result (ok/error).
func ObservePollRequest(result string) {
	Init()
	pollRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveParseError counts a malformed frame dropped by the pipeline.
func ObserveParseError() {
	Init()
	frameParseErrorsTotal.Inc()
}

// ObserveJobCompleted counts a terminal status observation.
func ObserveJobCompleted(status string) {
	Init()
	jobsCompletedTotal.WithLabelValues(status).Inc()
}

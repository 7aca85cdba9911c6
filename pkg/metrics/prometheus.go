// Package metrics provides Prometheus metrics for the capture engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Release reasons for FramesReleased.
const (
	ReasonFlush    = "flush"
	ReasonClear    = "clear"
	ReasonWatchdog = "watchdog"
	ReasonTeardown = "teardown"
)

// Metrics holds all Prometheus metrics for nicshim. All methods are safe on
// a nil receiver so capture instances may run without metrics.
type Metrics struct {
	// Frame capture metrics
	FramesCaptured  *prometheus.CounterVec
	FramesPassed    *prometheus.CounterVec
	FramesReleased  *prometheus.CounterVec
	CaptureFailures *prometheus.CounterVec

	// Request capture metrics
	RequestsPended    *prometheus.CounterVec
	RequestsCompleted *prometheus.CounterVec

	// Watchdog metrics
	WatchdogReclaims *prometheus.CounterVec

	// Queue depth
	QueueDepth *prometheus.GaugeVec

	// Control channel metrics
	ControlRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.FramesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_frames_captured_total",
			Help: "Total number of outbound frames diverted into the capture queue",
		},
		[]string{"adapter"},
	)

	m.FramesPassed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_frames_passed_total",
			Help: "Total number of outbound frames evaluated and passed through",
		},
		[]string{"adapter"},
	)

	m.FramesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_frames_released_total",
			Help: "Total number of captured frames returned to the driver",
		},
		[]string{"adapter", "reason"},
	)

	m.CaptureFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_capture_failures_total",
			Help: "Total number of matches that could not be captured",
		},
		[]string{"adapter", "capture"},
	)

	m.RequestsPended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_requests_pended_total",
			Help: "Total number of configuration requests pended for the harness",
		},
		[]string{"adapter", "interface"},
	)

	m.RequestsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_requests_completed_total",
			Help: "Total number of pended configuration requests completed",
		},
		[]string{"adapter", "mode"},
	)

	m.WatchdogReclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_watchdog_reclaims_total",
			Help: "Total number of watchdog force-reclaims",
		},
		[]string{"adapter", "capture"},
	)

	m.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nicshim_queue_depth",
			Help: "Number of items currently held in a capture queue",
		},
		[]string{"adapter", "queue"},
	)

	m.ControlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nicshim_control_requests_total",
			Help: "Total number of control channel operations",
		},
		[]string{"op", "status"},
	)

	m.registry.MustRegister(
		m.FramesCaptured,
		m.FramesPassed,
		m.FramesReleased,
		m.CaptureFailures,
		m.RequestsPended,
		m.RequestsCompleted,
		m.WatchdogReclaims,
		m.QueueDepth,
		m.ControlRequests,
		collectors.NewGoCollector(),
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFrameEvaluated records the verdict of one frame evaluation.
func (m *Metrics) RecordFrameEvaluated(adapter string, captured bool) {
	if m == nil {
		return
	}
	if captured {
		m.FramesCaptured.WithLabelValues(adapter).Inc()
	} else {
		m.FramesPassed.WithLabelValues(adapter).Inc()
	}
}

// RecordFramesReleased records frames returned to the driver.
func (m *Metrics) RecordFramesReleased(adapter, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FramesReleased.WithLabelValues(adapter, reason).Add(float64(n))
}

// RecordCaptureFailure records a match that could not be captured.
func (m *Metrics) RecordCaptureFailure(adapter, capture string) {
	if m == nil {
		return
	}
	m.CaptureFailures.WithLabelValues(adapter, capture).Inc()
}

// RecordRequestPended records a pended configuration request.
func (m *Metrics) RecordRequestPended(adapter, iface string) {
	if m == nil {
		return
	}
	m.RequestsPended.WithLabelValues(adapter, iface).Inc()
}

// RecordRequestCompleted records the completion of a pended request.
func (m *Metrics) RecordRequestCompleted(adapter, mode string) {
	if m == nil {
		return
	}
	m.RequestsCompleted.WithLabelValues(adapter, mode).Inc()
}

// RecordWatchdogReclaim records a watchdog force-reclaim.
func (m *Metrics) RecordWatchdogReclaim(adapter, capture string) {
	if m == nil {
		return
	}
	m.WatchdogReclaims.WithLabelValues(adapter, capture).Inc()
}

// SetQueueDepth records the current size of a queue.
func (m *Metrics) SetQueueDepth(adapter, queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(adapter, queue).Set(float64(n))
}

// RecordControlRequest records one control channel operation.
func (m *Metrics) RecordControlRequest(op, status string) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(op, status).Inc()
}

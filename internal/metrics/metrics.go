// Package metrics exposes the relay's Prometheus instruments. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	pipelinesActive    prometheus.Gauge
	pipelineStarts     *prometheus.CounterVec
	viewersConnected   prometheus.Gauge
	framesReceived     *prometheus.CounterVec
	framesDropped      *prometheus.CounterVec
	segmentsSent       prometheus.Counter
	viewerOverflows    prometheus.Counter
	authFailures       *prometheus.CounterVec
	unhealthyPipelines prometheus.Gauge
	forcedKills        prometheus.Counter
	workDirsSwept      prometheus.Counter
	udpSessions        prometheus.Gauge
}

// New creates and registers the relay metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorcast_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorcast_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		pipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorcast_pipelines_active",
			Help: "Number of device pipelines currently running",
		}),
		pipelineStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorcast_pipeline_starts_total",
			Help: "Pipeline start attempts by result",
		}, []string{"result"}),
		viewersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorcast_viewers_connected",
			Help: "Number of viewer WebSockets attached to a pipeline",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorcast_frames_received_total",
			Help: "Media frames received from devices",
		}, []string{"transport", "kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorcast_frames_dropped_total",
			Help: "Frames or packets dropped before transcoding, by reason",
		}, []string{"reason"}),
		segmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorcast_segments_sent_total",
			Help: "Segments written to viewer connections",
		}),
		viewerOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorcast_viewer_overflows_total",
			Help: "Viewers disconnected because they fell behind the live edge",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doorcast_auth_failures_total",
			Help: "Rejected device authentications by transport",
		}, []string{"transport"}),
		unhealthyPipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorcast_unhealthy_pipelines",
			Help: "Pipelines with no frame within the staleness threshold at the last health check",
		}),
		forcedKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorcast_transcoder_forced_kills_total",
			Help: "Transcoder processes that had to be signalled to exit",
		}),
		workDirsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doorcast_workdirs_swept_total",
			Help: "Orphaned pipeline working directories removed",
		}),
		udpSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "doorcast_udp_sessions",
			Help: "Open UDP and DTLS ingest sessions at the last sweep",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.pipelinesActive,
		m.pipelineStarts,
		m.viewersConnected,
		m.framesReceived,
		m.framesDropped,
		m.segmentsSent,
		m.viewerOverflows,
		m.authFailures,
		m.unhealthyPipelines,
		m.forcedKills,
		m.workDirsSwept,
		m.udpSessions,
	)
	return m
}

// Registry returns the registry the instruments are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// PipelineStarted records a pipeline becoming active.
func (m *Metrics) PipelineStarted(deviceID string) {
	if m == nil {
		return
	}
	m.pipelinesActive.Inc()
	m.pipelineStarts.WithLabelValues("ok").Inc()
}

// PipelineStopped records an active pipeline being torn down.
func (m *Metrics) PipelineStopped(deviceID string) {
	if m == nil {
		return
	}
	m.pipelinesActive.Dec()
}

// PipelineStartFailed records a start attempt that did not reach Active.
func (m *Metrics) PipelineStartFailed(reason string) {
	if m == nil {
		return
	}
	m.pipelineStarts.WithLabelValues(reason).Inc()
}

// ViewerConnected increments the connected viewer gauge.
func (m *Metrics) ViewerConnected() {
	if m == nil {
		return
	}
	m.viewersConnected.Inc()
}

// ViewerDisconnected decrements the connected viewer gauge.
func (m *Metrics) ViewerDisconnected() {
	if m == nil {
		return
	}
	m.viewersConnected.Dec()
}

// SegmentsSent adds n segments delivered to a viewer.
func (m *Metrics) SegmentsSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentsSent.Add(float64(n))
}

// ViewerOverflow records a viewer dropped for falling behind.
func (m *Metrics) ViewerOverflow() {
	if m == nil {
		return
	}
	m.viewerOverflows.Inc()
}

// FrameReceived records one media frame from a device.
func (m *Metrics) FrameReceived(transport, kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(transport, kind).Inc()
}

// FramesDropped adds n dropped frames or packets for reason.
func (m *Metrics) FramesDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesDropped.WithLabelValues(reason).Add(float64(n))
}

// AuthFailure records a rejected device authentication.
func (m *Metrics) AuthFailure(transport string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(transport).Inc()
}

// SetUnhealthy sets the unhealthy pipeline gauge.
func (m *Metrics) SetUnhealthy(n int) {
	if m == nil {
		return
	}
	m.unhealthyPipelines.Set(float64(n))
}

// ForcedKill records a transcoder that ignored its input EOF.
func (m *Metrics) ForcedKill() {
	if m == nil {
		return
	}
	m.forcedKills.Inc()
}

// WorkDirsSwept adds n removed working directories.
func (m *Metrics) WorkDirsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.workDirsSwept.Add(float64(n))
}

// SetUDPSessions sets the open ingest session gauge.
func (m *Metrics) SetUDPSessions(n int) {
	if m == nil {
		return
	}
	m.udpSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

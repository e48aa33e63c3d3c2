package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	UpstreamEvents     *prometheus.CounterVec
	Commits            *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	BufferedAtCommit   prometheus.Histogram
	CommitToTranscript prometheus.Histogram

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of bridged relay sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream realtime events by interpreted kind.",
		}, []string{"kind"}),
		Commits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Audio buffer commits by trigger.",
		}, []string{"trigger"}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames not forwarded upstream, by reason.",
		}, []string{"reason"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures surfaced to clients, by code.",
		}, []string{"code"}),
		BufferedAtCommit: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "buffered_at_commit_ms",
			Help:      "Buffered audio duration when a commit is issued, in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2000, 4000, 8000, 15000},
		}),
		CommitToTranscript: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_to_transcript_ms",
			Help:      "Latency from commit to completed transcription in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		latency: newLatencyWindow(512),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("opened").Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues("closed").Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) UpstreamEvent(kind string) {
	if m == nil {
		return
	}
	m.UpstreamEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) Commit(trigger string, bufferedMs float64) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(trigger).Inc()
	m.BufferedAtCommit.Observe(bufferedMs)
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) UpstreamError(code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveCommitToTranscript(d time.Duration) {
	if m == nil {
		return
	}
	m.CommitToTranscript.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageCommitToTranscript, d)
}

// ObserveStage records one latency sample in the rolling window served by
// /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.observe(stage, float64(d.Microseconds())/1000)
}

// Tally counts a named occurrence, such as a skipped commit, in the latency
// report.
func (m *Metrics) Tally(name string) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.tally(name)
}

// Latency summarizes the rolling window, limited to stages when any are given.
func (m *Metrics) Latency(stages ...string) LatencySnapshot {
	if m == nil || m.latency == nil {
		return newLatencyWindow(0).snapshot(stages)
	}
	return m.latency.snapshot(stages)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	FramesForwarded    *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	TransportRequests  *prometheus.CounterVec
	EngineErrors       *prometheus.CounterVec
	QAJobs             *prometheus.CounterVec
	QAScores           prometheus.Histogram
	QAAlerts           prometheus.Counter
	Escalations        *prometheus.CounterVec
	NotifierDeliveries *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	FirstAudioLatency  prometheus.Histogram

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the instruments on reg instead of the
// global registry.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bridge_sessions",
			Help:      "Number of active call bridge sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Bridge session events by type.",
		}, []string{"event"}),
		FramesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Audio frames forwarded by direction.",
		}, []string{"direction"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped by direction and reason.",
		}, []string{"direction", "reason"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call status transitions by target status and result.",
		}, []string{"to", "result"}),
		TransportRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_requests_total",
			Help:      "Telephony provider requests by operation and result.",
		}, []string{"op", "result"}),
		EngineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Voice engine errors by code.",
		}, []string{"code"}),
		QAJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_jobs_total",
			Help:      "QA scoring jobs by result.",
		}, []string{"result"}),
		QAScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "qa_overall_score",
			Help:      "Distribution of overall QA scores.",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		QAAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qa_alerts_total",
			Help:      "QA alerts raised for low scoring calls.",
		}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		NotifierDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifier_deliveries_total",
			Help:      "Outbound notifications by sink and result.",
		}, []string{"sink", "result"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped by slow subscribers.",
		}, []string{"subscriber"}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_engine_audio_latency_ms",
			Help:      "Latency from session start to first engine audio frame in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		Latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.Latency.Observe(StageFirstAudio, d)
}

// ObserveStage records d in the rolling latency window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Latency.Observe(stage, d)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

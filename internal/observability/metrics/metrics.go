// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Audio metrics
	AudioBytesReceived   prometheus.Counter
	AudioFramesReceived  prometheus.Counter
	AudioFramesDiscarded *prometheus.CounterVec
	PreBufferFlushes     prometheus.Counter

	// Commit / response metrics
	CommitsTotal       *prometheus.CounterVec
	ResponsesCompleted prometheus.Counter
	ResponseAudioBytes prometheus.Histogram

	// Echo guard metrics
	TranscriptsAccepted prometheus.Counter
	TranscriptsRejected *prometheus.CounterVec

	// Timeline publish metrics
	TimelinePublishTotal   *prometheus.CounterVec
	TimelinePublishErrors  *prometheus.CounterVec
	TimelinePublishDropped prometheus.Counter
	TimelinePublishLatency prometheus.Histogram

	// Artifact bus metrics
	BusPublishTotal   *prometheus.CounterVec
	BusPublishErrors  *prometheus.CounterVec
	BusPublishLatency *prometheus.HistogramVec

	// Collaborator metrics
	AgentTriggers  prometheus.Counter
	VisionRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of caller sessions accepted",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active caller sessions",
		}),
		SessionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total number of connections refused before a session started",
		}, []string{"reason"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of caller sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from callers",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from callers",
		}),
		AudioFramesDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_discarded_total",
			Help:      "Total audio frames discarded before forwarding",
		}, []string{"reason"}),
		PreBufferFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pre_buffer_flushes_total",
			Help:      "Total pre-upstream buffer flushes",
		}),

		CommitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total audio buffer commits issued upstream",
		}, []string{"reason"}),
		ResponsesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_completed_total",
			Help:      "Total upstream responses completed",
		}),
		ResponseAudioBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_audio_bytes",
			Help:      "Synthesized audio bytes per completed response",
			Buckets:   []float64{0, 4800, 9600, 24000, 48000, 96000, 240000, 480000},
		}),

		TranscriptsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_accepted_total",
			Help:      "Total caller transcripts accepted by the echo guard",
		}),
		TranscriptsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_rejected_total",
			Help:      "Total caller transcripts rejected by the echo guard",
		}, []string{"reason"}),

		TimelinePublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_publish_total",
			Help:      "Total timeline events posted",
		}, []string{"event_type"}),
		TimelinePublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_publish_errors_total",
			Help:      "Total timeline publish failures (logged and swallowed)",
		}, []string{"event_type"}),
		TimelinePublishDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeline_publish_dropped_total",
			Help:      "Total timeline events dropped because the in-flight limit was reached",
		}),
		TimelinePublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timeline_publish_latency_seconds",
			Help:      "Timeline publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),

		BusPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_total",
			Help:      "Total artifact bus messages published",
		}, []string{"topic", "event_type"}),
		BusPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "Total artifact bus publish errors",
		}, []string{"topic", "event_type"}),
		BusPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_latency_seconds",
			Help:      "Artifact bus publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		AgentTriggers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_triggers_total",
			Help:      "Total debounced agent triggers issued",
		}),
		VisionRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_requests_total",
			Help:      "Total image analysis requests",
		}, []string{"outcome"}),
	}
}

// RecordSessionStart records a new caller session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a caller session ending.
func (m *Metrics) RecordSessionEnd(durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected records a connection refused before a session started.
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordFrameDiscarded records an audio frame discarded before forwarding.
func (m *Metrics) RecordFrameDiscarded(reason string) {
	m.AudioFramesDiscarded.WithLabelValues(reason).Inc()
}

// RecordPreBufferFlush records a pre-upstream buffer flush.
func (m *Metrics) RecordPreBufferFlush() {
	m.PreBufferFlushes.Inc()
}

// RecordCommit records an audio commit issued upstream.
func (m *Metrics) RecordCommit(reason string) {
	m.CommitsTotal.WithLabelValues(reason).Inc()
}

// RecordResponseCompleted records a completed upstream response.
func (m *Metrics) RecordResponseCompleted(audioBytes int) {
	m.ResponsesCompleted.Inc()
	m.ResponseAudioBytes.Observe(float64(audioBytes))
}

// RecordTranscriptAccepted records a caller transcript accepted by the echo guard.
func (m *Metrics) RecordTranscriptAccepted() {
	m.TranscriptsAccepted.Inc()
}

// RecordTranscriptRejected records a caller transcript rejected by the echo guard.
func (m *Metrics) RecordTranscriptRejected(reason string) {
	m.TranscriptsRejected.WithLabelValues(reason).Inc()
}

// RecordTimelinePublish records a timeline publish attempt.
func (m *Metrics) RecordTimelinePublish(eventType string, err error, latencySeconds float64) {
	m.TimelinePublishTotal.WithLabelValues(eventType).Inc()
	m.TimelinePublishLatency.Observe(latencySeconds)
	if err != nil {
		m.TimelinePublishErrors.WithLabelValues(eventType).Inc()
	}
}

// RecordTimelineDropped records a timeline event dropped at the in-flight limit.
func (m *Metrics) RecordTimelineDropped() {
	m.TimelinePublishDropped.Inc()
}

// RecordBusPublish records an artifact bus publish attempt.
func (m *Metrics) RecordBusPublish(topic, eventType string, err error, latencySeconds float64) {
	m.BusPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.BusPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.BusPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordAgentTrigger records a debounced agent trigger.
func (m *Metrics) RecordAgentTrigger() {
	m.AgentTriggers.Inc()
}

// RecordVisionRequest records an image analysis request outcome.
func (m *Metrics) RecordVisionRequest(outcome string) {
	m.VisionRequests.WithLabelValues(outcome).Inc()
}

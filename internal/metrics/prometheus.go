package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the closest-speaker service.
// Every Record/Set method is safe to call on a nil *Metrics.
type Metrics struct {
	// Connection metrics
	ConnectionsOpened *prometheus.CounterVec
	ActiveConnections *prometheus.GaugeVec
	MessagesReceived  *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	AudioFrames       prometheus.Counter
	AudioBytes        prometheus.Counter
	SendDrops         prometheus.Counter

	// Registry metrics
	KnownSources     prometheus.Gauge
	ClosestChanges   prometheus.Counter
	RankingOverrides prometheus.Counter
	RegistryResets   prometheus.Counter

	// Source pipeline metrics
	MeterReadings  prometheus.Counter
	GateDecisions  *prometheus.CounterVec
	MetricsReports prometheus.Counter

	// Audio chunking metrics
	ChunksGenerated prometheus.Counter
	ChunksDiscarded prometheus.Counter
	ChunkDuration   prometheus.Histogram
	ChunkSize       prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ConnectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "closest_connections_opened_total",
			Help: "Total number of websocket connections by role",
		}, []string{"role"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "closest_active_connections",
			Help: "Current number of websocket connections by role",
		}, []string{"role"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "closest_messages_received_total",
			Help: "Total number of control messages received by type",
		}, []string{"type"}),
		MalformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_malformed_messages_total",
			Help: "Total number of inbound messages dropped as malformed",
		}),
		AudioFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_audio_frames_received_total",
			Help: "Total number of binary audio frames received",
		}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_audio_bytes_received_total",
			Help: "Total bytes of PCM16 audio received",
		}),
		SendDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_send_drops_total",
			Help: "Total number of outbound frames dropped on a full send queue",
		}),

		// Registry metrics
		KnownSources: factory.NewGauge(prometheus.GaugeOpts{
			Name: "closest_known_sources",
			Help: "Current number of sources in the registry",
		}),
		ClosestChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_elections_changed_total",
			Help: "Total number of elections that moved the closest flag",
		}),
		RankingOverrides: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_ranking_overrides_total",
			Help: "Total number of externally supplied rankings applied",
		}),
		RegistryResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_registry_resets_total",
			Help: "Total number of registry resets",
		}),

		// Source pipeline metrics
		MeterReadings: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_meter_readings_total",
			Help: "Total number of loudness readings produced",
		}),
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "closest_gate_decisions_total",
			Help: "Total number of capture buffers accepted or dropped by the gate",
		}, []string{"result"}),
		MetricsReports: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_metrics_reports_sent_total",
			Help: "Total number of metrics messages sent by sources",
		}),

		// Audio chunking metrics
		ChunksGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_audio_chunks_generated_total",
			Help: "Total number of audio chunks generated",
		}),
		ChunksDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_audio_chunks_discarded_total",
			Help: "Total number of audio runs too short to transcribe",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "closest_chunk_duration_seconds",
			Help:    "Duration of generated audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "closest_chunk_size_bytes",
			Help:    "Size of generated audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "closest_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "closest_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "closest_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "closest_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionOpened counts a new connection and raises the active gauge
func (m *Metrics) RecordConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.ConnectionsOpened.WithLabelValues(role).Inc()
	m.ActiveConnections.WithLabelValues(role).Inc()
}

// RecordConnectionClosed lowers the active gauge
func (m *Metrics) RecordConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(role).Dec()
}

// RecordMessage counts a decoded control message
func (m *Metrics) RecordMessage(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMalformed counts a dropped inbound message
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedMessages.Inc()
}

// RecordAudioFrame counts a received audio frame
func (m *Metrics) RecordAudioFrame(sizeBytes int) {
	if m == nil {
		return
	}
	m.AudioFrames.Inc()
	m.AudioBytes.Add(float64(sizeBytes))
}

// RecordSendDrop counts an outbound frame dropped on a full queue
func (m *Metrics) RecordSendDrop() {
	if m == nil {
		return
	}
	m.SendDrops.Inc()
}

// SetKnownSources sets the registry size
func (m *Metrics) SetKnownSources(count int) {
	if m == nil {
		return
	}
	m.KnownSources.Set(float64(count))
}

// RecordClosestChange counts an election that moved the closest flag
func (m *Metrics) RecordClosestChange() {
	if m == nil {
		return
	}
	m.ClosestChanges.Inc()
}

// RecordRankingOverride counts an applied external ranking
func (m *Metrics) RecordRankingOverride() {
	if m == nil {
		return
	}
	m.RankingOverrides.Inc()
}

// RecordReset counts a registry reset
func (m *Metrics) RecordReset() {
	if m == nil {
		return
	}
	m.RegistryResets.Inc()
}

// RecordMeterReadings counts loudness readings
func (m *Metrics) RecordMeterReadings(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MeterReadings.Add(float64(n))
}

// RecordGateDecision counts one capture buffer passing or failing the gate
func (m *Metrics) RecordGateDecision(accepted bool) {
	if m == nil {
		return
	}
	result := "dropped"
	if accepted {
		result = "accepted"
	}
	m.GateDecisions.WithLabelValues(result).Inc()
}

// RecordMetricsReport counts a metrics message sent by a source
func (m *Metrics) RecordMetricsReport() {
	if m == nil {
		return
	}
	m.MetricsReports.Inc()
}

// RecordChunkGenerated records a generated audio chunk
func (m *Metrics) RecordChunkGenerated(durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksGenerated.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordChunkDiscarded counts runs dropped for being too short
func (m *Metrics) RecordChunkDiscarded() {
	if m == nil {
		return
	}
	m.ChunksDiscarded.Inc()
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

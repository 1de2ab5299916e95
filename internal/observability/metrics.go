package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tts_client_active_sessions",
		Help: "Number of open synthesis sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_sessions_total",
		Help: "Total number of sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_client_session_duration_seconds",
		Help:    "Duration of sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Connection metrics
	connects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_connects_total",
		Help: "Total connection attempts",
	}, []string{"status"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_reconnects_total",
		Help: "Total automatic reconnection attempts",
	})

	heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_heartbeats_total",
		Help: "Total heartbeat pings sent",
	})

	pongs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_pongs_total",
		Help: "Total heartbeat responses received",
	})

	heartbeatStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_heartbeat_stale_total",
		Help: "Times heartbeat responses went stale",
	})

	// Protocol metrics
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_frames_total",
		Help: "Total inbound frames by kind",
	}, []string{"kind"})

	parseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_frame_parse_failures_total",
		Help: "Total inbound frames that failed to parse",
	})

	// Assembly metrics
	fragments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_fragments_total",
		Help: "Total audio fragments by result",
	}, []string{"result"})

	messagesAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_messages_assembled_total",
		Help: "Total messages fully reassembled",
	})

	assembledBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_client_assembled_audio_bytes_total",
		Help: "Total decoded audio bytes assembled",
	})

	// Segment metrics
	segments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_segments_total",
		Help: "Total submitted segments by terminal status",
	}, []string{"status"})

	segmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_client_segment_latency_seconds",
		Help:    "Time from segment submission to completion in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
	})

	// Playback metrics
	playbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tts_client_playback_queue_depth",
		Help: "Payloads waiting in the playback queue",
	})

	playback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_playback_total",
		Help: "Total playback outcomes",
	}, []string{"status"})

	playbackAudioSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_client_playback_audio_seconds",
		Help:    "Audio duration of played payloads in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tts_client_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_client_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for one session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the session opening
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the session closing
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordConnect records one connection attempt
func RecordConnect(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	connects.WithLabelValues(status).Inc()
}

// RecordReconnect records one automatic reconnection attempt
func RecordReconnect() {
	reconnects.Inc()
}

// RecordHeartbeat records a heartbeat ping going out
func RecordHeartbeat() {
	heartbeats.Inc()
}

// RecordPong records a heartbeat response arriving
func RecordPong() {
	pongs.Inc()
}

// RecordHeartbeatStale records heartbeat responses going stale
func RecordHeartbeatStale() {
	heartbeatStale.Inc()
}

// RecordFrame records one inbound frame by kind
func RecordFrame(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

// RecordParseFailure records an unparseable inbound frame
func RecordParseFailure() {
	parseFailures.Inc()
}

// RecordFragment records one fragment by result
// (received, duplicate, orphaned)
func RecordFragment(result string) {
	fragments.WithLabelValues(result).Inc()
}

// RecordAssembled records one fully reassembled message
func RecordAssembled(bytes int) {
	messagesAssembled.Inc()
	assembledBytes.Add(float64(bytes))
}

// RecordSegment records the terminal status of one submitted segment
// and its latency when it completed
func RecordSegment(status string, elapsed time.Duration) {
	segments.WithLabelValues(status).Inc()
	if status == "completed" {
		segmentLatency.Observe(elapsed.Seconds())
	}
}

// SetPlaybackQueueDepth updates the playback queue gauge
func SetPlaybackQueueDepth(depth int) {
	playbackQueueDepth.Set(float64(depth))
}

// RecordPlayback records one playback outcome
// (played, failed, discarded)
func RecordPlayback(status string) {
	playback.WithLabelValues(status).Inc()
}

// RecordPlaybackAudio records the audio duration of a played payload
func RecordPlaybackAudio(duration time.Duration) {
	playbackAudioSeconds.Observe(duration.Seconds())
}

// RecordError records an error by type and component
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments the circuit breaker
// failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

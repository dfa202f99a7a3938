package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duplex_voice_active_sessions",
		Help: "Number of active conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duplex_voice_sessions_total",
		Help: "Total number of conversation sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "duplex_voice_session_duration_seconds",
		Help:    "Duration of conversation sessions in seconds",
		Buckets: []float64{5, 30, 60, 120, 300, 600, 1800},
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_state_transitions_total",
		Help: "Conversation state transitions by target state",
	}, []string{"state"})

	interruptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_interruptions_total",
		Help: "Honored interruptions of agent speech",
	}, []string{"source"})

	// Recognition metrics
	captureRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_capture_restarts_total",
		Help: "Capture stream restart activity",
	}, []string{"outcome"}) // scheduled, restarted, retry, gave_up

	transcripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_transcripts_total",
		Help: "Final transcripts by outcome",
	}, []string{"outcome"})

	// Synthesis metrics
	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_utterances_total",
		Help: "Agent utterances by outcome",
	}, []string{"outcome"}) // ended, cancelled, error

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "duplex_voice_synthesis_latency_seconds",
		Help:    "Time from speak request to first audio in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Backend metrics
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_backend_requests_total",
		Help: "Total number of backend requests",
	}, []string{"event", "status"})

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duplex_voice_backend_latency_seconds",
		Help:    "Backend request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"event"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "duplex_voice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplex_voice_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single conversation session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	replyStartTime time.Time
	speakStartTime time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// SessionID returns the session the tracker belongs to
func (m *Metrics) SessionID() string {
	return m.sessionID
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	m.mu.Lock()
	duration := time.Since(m.startTime).Seconds()
	m.mu.Unlock()
	sessionDuration.Observe(duration)
}

// RecordStateTransition records entering a conversation state
func (m *Metrics) RecordStateTransition(state string) {
	stateTransitions.WithLabelValues(state).Inc()
}

// RecordInterruption records an honored interruption
func (m *Metrics) RecordInterruption(source string) {
	interruptions.WithLabelValues(source).Inc()
}

// RecordReplyStart records submitting an utterance to the backend
func (m *Metrics) RecordReplyStart() {
	m.mu.Lock()
	m.replyStartTime = time.Now()
	m.mu.Unlock()
}

// RecordReplyEnd records the outcome of a pending reply
func (m *Metrics) RecordReplyEnd(success bool) {
	m.mu.Lock()
	start := m.replyStartTime
	m.replyStartTime = time.Time{}
	m.mu.Unlock()

	RecordBackendRequest("textMessage", success, time.Since(start))
}

// RecordSpeakStart records a speak request
func (m *Metrics) RecordSpeakStart() {
	m.mu.Lock()
	m.speakStartTime = time.Now()
	m.mu.Unlock()
}

// RecordSpeakStarted records the first audio of an utterance
func (m *Metrics) RecordSpeakStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.speakStartTime.IsZero() {
		synthesisLatency.Observe(time.Since(m.speakStartTime).Seconds())
		m.speakStartTime = time.Time{}
	}
}

// RecordUtterance records how an agent utterance finished
func (m *Metrics) RecordUtterance(outcome string) {
	utterances.WithLabelValues(outcome).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordCaptureRestart records capture restart activity
func RecordCaptureRestart(outcome string) {
	captureRestarts.WithLabelValues(outcome).Inc()
}

// RecordTranscript records what happened to a final transcript
func RecordTranscript(outcome string) {
	transcripts.WithLabelValues(outcome).Inc()
}

// RecordBackendRequest records one backend request. A zero duration is not observed.
func RecordBackendRequest(event string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	backendRequests.WithLabelValues(event, status).Inc()
	if duration > 0 && duration < time.Hour {
		backendLatency.WithLabelValues(event).Observe(duration.Seconds())
	}
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

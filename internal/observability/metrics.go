package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Utterance metrics
	activeUtterances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_voice_active_utterances",
		Help: "Number of assistant messages currently being spoken",
	})

	totalUtterances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interview_voice_utterances_total",
		Help: "Total number of assistant messages spoken",
	})

	utteranceUnits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_voice_utterance_units",
		Help:    "Number of text units per assistant message",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})

	firstAudioLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "interview_voice_first_audio_latency_seconds",
		Help:    "Time from message submission to the first audible sample",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 5.0},
	})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_synthesis_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"transport", "status"})

	synthesisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interview_voice_synthesis_duration_seconds",
		Help:    "Duration of a synthesis request from submission to done frame",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"transport"})

	decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_decode_errors_total",
		Help: "Total number of malformed synthesis frames",
	}, []string{"reason"})

	// Playback metrics
	playbackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_playback_total",
		Help: "Playback entries by outcome",
	}, []string{"outcome"})

	playbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "interview_voice_playback_queue_depth",
		Help: "Entries waiting in or playing from the playback queue",
	})

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "synthesized" or "played"

	// Session metrics
	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interview_voice_session_state",
		Help: "1 for the state the voice session is currently in",
	}, []string{"state"})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_session_transitions_total",
		Help: "Voice session state transitions",
	}, []string{"to"})

	credentialLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_credential_cache_total",
		Help: "Cached credential lookups by result",
	}, []string{"result"}) // hit, stale, miss

	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_tokens_issued_total",
		Help: "Connection details requests by status",
	}, []string{"status"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interview_voice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interview_voice_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// UtteranceMetrics tracks metrics for a single spoken message
type UtteranceMetrics struct {
	utteranceID string
	transport   string
	startTime   time.Time
	unitStarts  map[int]time.Time
	ended       bool
	mu          sync.Mutex
}

// NewUtteranceMetrics creates a new metrics tracker for a message
func NewUtteranceMetrics(utteranceID, transport string) *UtteranceMetrics {
	return &UtteranceMetrics{
		utteranceID: utteranceID,
		transport:   transport,
		startTime:   time.Now(),
		unitStarts:  make(map[int]time.Time),
	}
}

// RecordUtteranceStart records the start of a message with its unit count
func (m *UtteranceMetrics) RecordUtteranceStart(units int) {
	activeUtterances.Inc()
	totalUtterances.Inc()
	utteranceUnits.Observe(float64(units))
}

// RecordUtteranceEnd records the end of a message; repeated calls are ignored
func (m *UtteranceMetrics) RecordUtteranceEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeUtterances.Dec()
}

// RecordFirstAudio records the first-audio latency of the message
func (m *UtteranceMetrics) RecordFirstAudio(latency time.Duration) {
	firstAudioLatency.Observe(latency.Seconds())
}

// RecordSynthesisStart records the start of synthesis for one unit
func (m *UtteranceMetrics) RecordSynthesisStart(unit int) {
	m.mu.Lock()
	m.unitStarts[unit] = time.Now()
	m.mu.Unlock()
}

// RecordSynthesisEnd records the end of synthesis for one unit
func (m *UtteranceMetrics) RecordSynthesisEnd(unit int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.unitStarts[unit]; ok {
		synthesisLatency.WithLabelValues(m.transport).Observe(time.Since(start).Seconds())
		delete(m.unitStarts, unit)
	}

	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(m.transport, status).Inc()
}

// RecordDecodeError records a malformed frame
func RecordDecodeError(reason string) {
	decodeErrors.WithLabelValues(reason).Inc()
}

// RecordPlaybackOutcome records how a playback entry ended
func RecordPlaybackOutcome(outcome string) {
	playbackOutcomes.WithLabelValues(outcome).Inc()
}

// SetPlaybackQueueDepth updates the playback queue gauge
func SetPlaybackQueueDepth(depth int) {
	playbackQueueDepth.Set(float64(depth))
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordSessionTransition moves the session state gauge from one state to another
func RecordSessionTransition(from, to string) {
	if from != "" {
		sessionState.WithLabelValues(from).Set(0)
	}
	sessionState.WithLabelValues(to).Set(1)
	sessionTransitions.WithLabelValues(to).Inc()
}

// RecordCredentialLookup records a cached credential lookup result
func RecordCredentialLookup(result string) {
	credentialLookups.WithLabelValues(result).Inc()
}

// RecordTokenIssued records a connection details request
func RecordTokenIssued(status string) {
	tokensIssued.WithLabelValues(status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

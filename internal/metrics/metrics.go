// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stream outcomes
const (
	OutcomeDone      = "done"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeEOF       = "eof"
)

// Metrics groups the collectors used by the client and the dev server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// StreamsStarted tracks streaming requests by action (send, regenerate, edit).
	StreamsStarted *prometheus.CounterVec

	// StreamsFinished tracks how streams ended.
	StreamsFinished *prometheus.CounterVec

	// StreamDuration tracks time from request to terminal event.
	StreamDuration *prometheus.HistogramVec

	// ChunksTotal tracks chunk events received.
	ChunksTotal prometheus.Counter

	// MalformedFrames tracks data frames that failed to decode.
	MalformedFrames prometheus.Counter

	// RequestDuration tracks non-streaming API calls.
	RequestDuration *prometheus.HistogramVec

	// Reloads tracks authoritative turn reloads by session.
	Reloads *prometheus.CounterVec

	// SSEConnectionsActive tracks open stream responses on the dev server.
	SSEConnectionsActive prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// reg may be nil, in which case the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_streams_started_total",
				Help: "Total streaming requests started",
			},
			[]string{"action"},
		),
		StreamsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_streams_finished_total",
				Help: "Total streaming requests finished, by outcome",
			},
			[]string{"action", "outcome"},
		),
		StreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlor_stream_duration_seconds",
				Help:    "Streaming request duration",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"action", "outcome"},
		),
		ChunksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parlor_stream_chunks_total",
				Help: "Total chunk events received",
			},
		),
		MalformedFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "parlor_stream_malformed_frames_total",
				Help: "Data frames skipped because the payload was not valid JSON",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlor_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "status"},
		),
		Reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_session_reloads_total",
				Help: "Authoritative turn reloads",
			},
			[]string{"outcome"},
		),
		SSEConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "parlor_sse_connections_active",
				Help: "Number of active stream responses",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.StreamsStarted,
			m.StreamsFinished,
			m.StreamDuration,
			m.ChunksTotal,
			m.MalformedFrames,
			m.RequestDuration,
			m.Reloads,
			m.SSEConnectionsActive,
		)
	}
	return m
}

// StreamStarted records the start of a streaming request
func (m *Metrics) StreamStarted(action string) {
	if m == nil {
		return
	}
	m.StreamsStarted.WithLabelValues(action).Inc()
}

// StreamFinished records how a stream ended and how long it ran
func (m *Metrics) StreamFinished(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StreamsFinished.WithLabelValues(action, outcome).Inc()
	m.StreamDuration.WithLabelValues(action, outcome).Observe(duration.Seconds())
}

// Chunk records one chunk event
func (m *Metrics) Chunk() {
	if m == nil {
		return
	}
	m.ChunksTotal.Inc()
}

// MalformedFrame records one skipped frame
func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// RecordRequest records a non-streaming API call
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, status).Observe(duration.Seconds())
}

// Reload records an authoritative reload
func (m *Metrics) Reload(outcome string) {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues(outcome).Inc()
}

// IncrementSSEConnections increments the active stream count
func (m *Metrics) IncrementSSEConnections() {
	if m == nil {
		return
	}
	m.SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active stream count
func (m *Metrics) DecrementSSEConnections() {
	if m == nil {
		return
	}
	m.SSEConnectionsActive.Dec()
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters and histograms for the conversation core.
//
// Tracked series:
//   - model requests by kind (user, tool_result, keep_alive) and status
//   - stream wall time per model
//   - tool pairs matched and expired in the pairing buffer
//   - protocol errors from the SSE decoder
//   - token usage by direction (input, output, cache_read, cache_creation)
type Metrics struct {
	// RequestCounter counts outgoing model requests.
	// Labels: kind (user|tool_result|keep_alive), status (success|error|cancelled)
	RequestCounter *prometheus.CounterVec

	// StreamDuration measures request-to-message_stop wall time in seconds.
	// Labels: model
	StreamDuration *prometheus.HistogramVec

	// PairsMatched counts tool_use/tool_result pairs flushed from the buffer.
	PairsMatched prometheus.Counter

	// PairsExpired counts tool_use entries dropped after the pair timeout.
	PairsExpired prometheus.Counter

	// ProtocolErrors counts malformed SSE frames and JSON parse failures.
	ProtocolErrors prometheus.Counter

	// TokensUsed tracks token consumption.
	// Labels: type (input|output|cache_read|cache_creation)
	TokensUsed *prometheus.CounterVec
}

// NewMetrics creates metrics registered against the given registerer. Passing
// nil registers against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto(reg)

	return &Metrics{
		RequestCounter: factory.counterVec(prometheus.CounterOpts{
			Name: "parley_requests_total",
			Help: "Total model requests by kind and status",
		}, []string{"kind", "status"}),

		StreamDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "parley_stream_duration_seconds",
			Help:    "Wall time from request submit to message_stop",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),

		PairsMatched: factory.counter(prometheus.CounterOpts{
			Name: "parley_tool_pairs_matched_total",
			Help: "Tool use/result pairs matched and flushed",
		}),

		PairsExpired: factory.counter(prometheus.CounterOpts{
			Name: "parley_tool_pairs_expired_total",
			Help: "Buffered tool uses dropped after the pair timeout",
		}),

		ProtocolErrors: factory.counter(prometheus.CounterOpts{
			Name: "parley_protocol_errors_total",
			Help: "Malformed SSE frames or JSON payloads",
		}),

		TokensUsed: factory.counterVec(prometheus.CounterOpts{
			Name: "parley_tokens_total",
			Help: "Token usage by type",
		}, []string{"type"}),
	}
}

// RecordUsage adds a usage report to the token counters.
func (m *Metrics) RecordUsage(input, output, cacheRead, cacheCreation int) {
	m.TokensUsed.WithLabelValues("input").Add(float64(input))
	m.TokensUsed.WithLabelValues("output").Add(float64(output))
	if cacheRead > 0 {
		m.TokensUsed.WithLabelValues("cache_read").Add(float64(cacheRead))
	}
	if cacheCreation > 0 {
		m.TokensUsed.WithLabelValues("cache_creation").Add(float64(cacheCreation))
	}
}

// factory wraps a registerer so construction reads like promauto while still
// allowing a caller-supplied registry in tests.
type factory struct {
	reg prometheus.Registerer
}

func promauto(reg prometheus.Registerer) factory {
	return factory{reg: reg}
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

var breakerStateValues = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// ResilienceMetrics records retries and circuit breaker transitions of
// outbound calls (embedding, rerank, NATS publish).
type ResilienceMetrics struct {
	retriesTotal *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

func newResilienceMetrics() *ResilienceMetrics {
	return &ResilienceMetrics{
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "retrieval",
				Subsystem: "outbound",
				Name:      "retries_total",
				Help:      "Retried outbound call attempts by operation.",
			},
			[]string{"operation"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "retrieval",
				Subsystem: "outbound",
				Name:      "breaker_state",
				Help:      "Circuit breaker state by operation: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"operation"},
		),
	}
}

func (m *ResilienceMetrics) register(registry *prometheus.Registry) {
	registry.MustRegister(m.retriesTotal, m.breakerState)
}

func (m *ResilienceMetrics) ObserveRetry(operation string) {
	m.retriesTotal.WithLabelValues(operation).Inc()
}

func (m *ResilienceMetrics) ObserveBreakerState(operation, state string) {
	v, ok := breakerStateValues[state]
	if !ok {
		return
	}
	m.breakerState.WithLabelValues(operation).Set(v)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// SyncMetrics tracks synchronization runs. It is shared by the worker and
// by the API's manual sync endpoint.
type SyncMetrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsInFlight  *prometheus.GaugeVec
	chunksTotal   *prometheus.CounterVec
	scannedTotal  *prometheus.CounterVec
	lastSuccessAt *prometheus.GaugeVec
}

func newSyncMetrics() *SyncMetrics {
	return &SyncMetrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "retrieval",
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Total sync runs by source type and status.",
			},
			[]string{"service", "source_type", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "retrieval",
				Subsystem: "sync",
				Name:      "run_duration_seconds",
				Help:      "Sync run duration in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"service", "source_type"},
		),
		runsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "retrieval",
				Subsystem: "sync",
				Name:      "runs_in_flight",
				Help:      "Number of sync runs in progress.",
			},
			[]string{"service", "source_type"},
		),
		chunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "retrieval",
				Subsystem: "sync",
				Name:      "chunks_total",
				Help:      "Chunks processed by sync outcome.",
			},
			[]string{"service", "source_type", "outcome"},
		),
		scannedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "retrieval",
				Subsystem: "sync",
				Name:      "items_scanned_total",
				Help:      "Source items read from connector feeds.",
			},
			[]string{"service", "source_type"},
		),
		lastSuccessAt: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "retrieval",
				Subsystem: "sync",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful sync run.",
			},
			[]string{"service", "source_type"},
		),
	}
}

func (m *SyncMetrics) register(registry *prometheus.Registry) {
	registry.MustRegister(m.runsTotal, m.runDuration, m.runsInFlight, m.chunksTotal, m.scannedTotal, m.lastSuccessAt)
}

func (m *SyncMetrics) StartSync(service string, sourceType domain.SourceType) {
	m.runsInFlight.WithLabelValues(service, string(sourceType)).Inc()
}

// FinishSync records a finished run. A rejected concurrent run counts as
// "skipped" and contributes no chunk counts.
func (m *SyncMetrics) FinishSync(service string, sourceType domain.SourceType, report domain.SyncReport, duration time.Duration, err error) {
	st := string(sourceType)
	m.runsInFlight.WithLabelValues(service, st).Dec()

	status := "success"
	switch {
	case domain.IsKind(err, domain.ErrSyncInProgress):
		status = "skipped"
	case err != nil:
		status = "error"
	}
	m.runsTotal.WithLabelValues(service, st, status).Inc()
	if status == "skipped" {
		return
	}
	m.runDuration.WithLabelValues(service, st).Observe(duration.Seconds())

	m.scannedTotal.WithLabelValues(service, st).Add(float64(report.Scanned))
	for outcome, n := range map[string]int{
		"inserted": report.Inserted,
		"updated":  report.Updated,
		"skipped":  report.Skipped,
		"removed":  report.Removed,
		"failed":   report.Failed,
	} {
		if n > 0 {
			m.chunksTotal.WithLabelValues(service, st, outcome).Add(float64(n))
		}
	}
	if err == nil {
		m.lastSuccessAt.WithLabelValues(service, st).SetToCurrentTime()
	}
}

type WorkerMetrics struct {
	registry *prometheus.Registry

	triggersTotal *prometheus.CounterVec
	*SyncMetrics
	Resilience *ResilienceMetrics
}

func NewWorkerMetrics() *WorkerMetrics {
	registry := prometheus.NewRegistry()

	triggersTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "worker",
			Name:      "sync_triggers_total",
			Help:      "Sync triggers received by origin.",
		},
		[]string{"service", "origin"},
	)
	syncMetrics := newSyncMetrics()
	resilienceMetrics := newResilienceMetrics()

	registry.MustRegister(triggersTotal)
	syncMetrics.register(registry)
	resilienceMetrics.register(registry)

	return &WorkerMetrics{
		registry:      registry,
		triggersTotal: triggersTotal,
		SyncMetrics:   syncMetrics,
		Resilience:    resilienceMetrics,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTrigger counts a sync trigger by origin ("nats", "cron", "startup").
func (m *WorkerMetrics) RecordTrigger(service, origin string) {
	m.triggersTotal.WithLabelValues(service, origin).Inc()
}

package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	retrievalTotal       *prometheus.CounterVec
	retrievalDegraded    *prometheus.CounterVec
	retrievalDuration    *prometheus.HistogramVec
	retrievedChunks      *prometheus.HistogramVec
	retrievalErrorsTotal *prometheus.CounterVec
	*SyncMetrics
	Resilience *ResilienceMetrics
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "retrieval",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	retrievalTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total completed retrievals by result status.",
		},
		[]string{"service", "status"},
	)
	retrievalDegraded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "degraded_total",
			Help:      "Total retrievals served in a degraded mode.",
		},
		[]string{"service", "mode"},
	)
	retrievalDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Retrieval duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)
	retrievedChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "retrieved_chunks",
			Help:      "Distribution of chunks returned per retrieval.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 50},
		},
		[]string{"service"},
	)
	retrievalErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retrieval",
			Subsystem: "search",
			Name:      "errors_total",
			Help:      "Total failed retrievals by error kind.",
		},
		[]string{"service", "kind"},
	)
	syncMetrics := newSyncMetrics()
	resilienceMetrics := newResilienceMetrics()

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		retrievalTotal,
		retrievalDegraded,
		retrievalDuration,
		retrievedChunks,
		retrievalErrorsTotal,
	)
	syncMetrics.register(registry)
	resilienceMetrics.register(registry)

	return &HTTPServerMetrics{
		registry:             registry,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		retrievalTotal:       retrievalTotal,
		retrievalDegraded:    retrievalDegraded,
		retrievalDuration:    retrievalDuration,
		retrievedChunks:      retrievedChunks,
		retrievalErrorsTotal: retrievalErrorsTotal,
		SyncMetrics:          syncMetrics,
		Resilience:           resilienceMetrics,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/sync/"):
		return "/v1/sync/{source_type}"
	default:
		return path
	}
}

// RecordRetrieval observes one completed retrieval.
func (m *HTTPServerMetrics) RecordRetrieval(service string, result *domain.RetrievalResult, duration time.Duration) {
	if result == nil {
		return
	}
	status := string(result.Status)
	m.retrievalTotal.WithLabelValues(service, status).Inc()
	m.retrievalDuration.WithLabelValues(service).Observe(duration.Seconds())
	m.retrievedChunks.WithLabelValues(service).Observe(float64(len(result.Chunks)))
	for _, mode := range result.Degradations {
		m.retrievalDegraded.WithLabelValues(service, mode).Inc()
	}
}

func (m *HTTPServerMetrics) RecordRetrievalError(service string, err error) {
	m.retrievalErrorsTotal.WithLabelValues(service, ErrorKind(err)).Inc()
}

// ErrorKind names the domain error class for metric labels.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "invalid_input"
	case domain.IsKind(err, domain.ErrSyncInProgress):
		return "sync_in_progress"
	case domain.IsKind(err, domain.ErrTimeout):
		return "timeout"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	case domain.IsKind(err, domain.ErrStore):
		return "store"
	case domain.IsKind(err, domain.ErrEmbeddingModel):
		return "embedding_model"
	case domain.IsKind(err, domain.ErrRerankModel):
		return "rerank_model"
	default:
		return "internal"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

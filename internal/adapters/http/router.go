package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/workspace-retrieval/internal/config"
	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
	"github.com/kirillkom/workspace-retrieval/internal/observability/metrics"
)

const (
	serviceName     = "retrieval-api"
	maxRequestBytes = 1 << 20
)

type Router struct {
	cfg       config.Config
	retriever ports.Retriever
	syncer    ports.Synchronizer
	publisher ports.SyncTriggerPublisher
	ingestor  ports.SourceIngestor
	scopes    ports.ScopeGroupManager
	metrics   *metrics.HTTPServerMetrics
	logger    *slog.Logger
}

// NewRouter wires the HTTP surface. syncer and m may be nil: without a
// syncer the manual sync endpoints are not registered, without metrics
// /metrics is not served.
func NewRouter(
	cfg config.Config,
	retriever ports.Retriever,
	syncer ports.Synchronizer,
	m *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		retriever: retriever,
		syncer:    syncer,
		metrics:   m,
		logger:    logger,
	}
}

// WithSyncPublisher enables ?async=true on POST /v1/sync/{source_type}.
func (rt *Router) WithSyncPublisher(p ports.SyncTriggerPublisher) *Router {
	rt.publisher = p
	return rt
}

// WithIngestor enables POST /v1/sources/{source_type}/items.
func (rt *Router) WithIngestor(i ports.SourceIngestor) *Router {
	rt.ingestor = i
	return rt
}

// WithScopeGroups enables the /v1/scope-groups endpoints.
func (rt *Router) WithScopeGroups(m ports.ScopeGroupManager) *Router {
	rt.scopes = m
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/retrieve", rt.retrieve)
	if rt.syncer != nil {
		api.HandleFunc("POST /v1/sync", rt.syncAll)
		api.HandleFunc("POST /v1/sync/{source_type}", rt.syncSource)
	}
	if rt.ingestor != nil {
		api.HandleFunc("POST /v1/sources/{source_type}/items", rt.ingestItem)
	}
	if rt.scopes != nil {
		api.HandleFunc("PUT /v1/scope-groups/{group_id}", rt.saveScopeGroup)
		api.HandleFunc("DELETE /v1/scope-groups/{group_id}", rt.deleteScopeGroup)
		api.HandleFunc("GET /v1/scope-groups/{group_id}/scope", rt.resolveScopeGroup)
	}

	var limiter *rate.Limiter
	if rt.cfg.APIRateLimitRPS > 0 {
		burst := max(rt.cfg.APIRateLimitBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(rt.cfg.APIRateLimitRPS), burst)
	}
	guarded := backpressureMiddleware(
		rateLimitMiddleware(api, limiter),
		rt.cfg.APIMaxInFlight,
		rt.cfg.APIBackpressureWait,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(rt.logger, handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type retrieveRequest struct {
	Query        string  `json:"query"`
	ScopeGroupID *string `json:"scope_group_id"`
	TopK         int     `json:"top_k"`
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}

	start := time.Now()
	result, err := rt.retriever.Retrieve(r.Context(), domain.RetrievalRequest{
		Query:        req.Query,
		ScopeGroupID: req.ScopeGroupID,
		TopK:         req.TopK,
	})
	if err != nil {
		if rt.metrics != nil {
			rt.metrics.RecordRetrievalError(serviceName, err)
		}
		rt.writeError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRetrieval(serviceName, result, time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) syncSource(w http.ResponseWriter, r *http.Request) {
	sourceType, err := domain.ParseSourceType(r.PathValue("source_type"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if rt.publisher == nil {
			rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "queue sync", errors.New("async sync is not enabled")))
			return
		}
		if err := rt.publisher.PublishSync(r.Context(), sourceType); err != nil {
			rt.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":      "queued",
			"source_type": string(sourceType),
		})
		return
	}

	start := time.Now()
	if rt.metrics != nil {
		rt.metrics.StartSync(serviceName, sourceType)
	}
	report, err := rt.syncer.Sync(r.Context(), sourceType)
	if rt.metrics != nil {
		rt.metrics.FinishSync(serviceName, sourceType, report, time.Since(start), err)
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) syncAll(w http.ResponseWriter, r *http.Request) {
	reports, err := rt.syncer.SyncAll(r.Context())
	if err != nil {
		status := mapErrorToHTTPStatus(firstError(err))
		rt.logFailure(r, status, err)
		writeJSON(w, status, syncAllResponse{
			Reports:   reports,
			Error:     publicMessage(status, err),
			RequestID: requestIDFromContext(r.Context()),
		})
		return
	}
	writeJSON(w, http.StatusOK, syncAllResponse{Reports: reports})
}

type ingestItemRequest struct {
	SourceID string          `json:"source_id"`
	Payload  json.RawMessage `json:"payload"`
	Deleted  bool            `json:"deleted"`
}

func (rt *Router) ingestItem(w http.ResponseWriter, r *http.Request) {
	sourceType, err := domain.ParseSourceType(r.PathValue("source_type"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	var req ingestItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}

	item, err := rt.ingestor.Ingest(r.Context(), domain.SourceItem{
		SourceType: sourceType,
		SourceID:   req.SourceID,
		Payload:    req.Payload,
		Deleted:    req.Deleted,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"source_type": item.SourceType,
		"source_id":   item.SourceID,
		"deleted":     item.Deleted,
		"updated_at":  item.UpdatedAt,
	})
}

type scopeGroupRequest struct {
	Name     string                `json:"name"`
	Bindings []domain.ScopeBinding `json:"bindings"`
}

func (rt *Router) saveScopeGroup(w http.ResponseWriter, r *http.Request) {
	var req scopeGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	group, err := rt.scopes.SaveGroup(r.Context(), domain.ScopeGroup{
		GroupID:  r.PathValue("group_id"),
		Name:     req.Name,
		Bindings: req.Bindings,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (rt *Router) deleteScopeGroup(w http.ResponseWriter, r *http.Request) {
	if err := rt.scopes.DeleteGroup(r.Context(), r.PathValue("group_id")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) resolveScopeGroup(w http.ResponseWriter, r *http.Request) {
	scope, err := rt.scopes.Resolve(r.Context(), r.PathValue("group_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scope)
}

type syncAllResponse struct {
	Reports   []domain.SyncReport `json:"reports"`
	Error     string              `json:"error,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		status = http.StatusRequestEntityTooLarge
	}
	rt.logFailure(r, status, err)

	writeJSON(w, status, errorResponse{
		Error:     publicMessage(status, err),
		RequestID: requestIDFromContext(r.Context()),
	})
}

// publicMessage hides the cause of internal errors from clients.
func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// firstError unwraps a joined error to its first member, which is the
// earliest failed source type of a SyncAll run.
func firstError(err error) error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := joined.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return err
}

func (rt *Router) logFailure(r *http.Request, status int, err error) {
	attrs := []any{
		"request_id", requestIDFromContext(r.Context()),
		"path", r.URL.Path,
		"status", status,
		"error", err,
	}
	if status >= 500 {
		rt.logger.Error("http_handler_failed", attrs...)
		return
	}
	rt.logger.Warn("http_handler_failed", attrs...)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

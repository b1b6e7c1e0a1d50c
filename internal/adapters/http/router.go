package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/config"
	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
	"github.com/kirillkom/grc-retrieval/internal/observability/logging"
)

const (
	maxRequestBodyBytes = 1 << 20
	backpressureWait    = 50 * time.Millisecond
)

// Services groups the inbound ports served over HTTP. Publisher may be nil,
// in which case asynchronous change submission is unavailable.
type Services struct {
	Search    ports.HybridSearcher
	RAG       ports.RAGService
	Indexing  ports.IndexingService
	Cache     ports.CacheService
	Publisher ports.ChangePublisher
}

// RejectionRecorder counts requests refused by traffic control.
type RejectionRecorder interface {
	RecordRejected(reason string)
}

type Router struct {
	cfg        config.Config
	services   Services
	logger     *slog.Logger
	rejections RejectionRecorder
}

func NewRouter(cfg config.Config, services Services, logger *slog.Logger, rejections RejectionRecorder) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:        cfg,
		services:   services,
		logger:     logger,
		rejections: rejections,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/search", rt.search)
	mux.HandleFunc("POST /v1/rag/query", rt.queryRAG)
	mux.HandleFunc("POST /v1/index/changes", rt.submitChange)
	mux.HandleFunc("POST /v1/index/jobs/retry", rt.retryJobs)
	mux.HandleFunc("GET /v1/index/jobs/{job_id}", rt.getJob)
	mux.HandleFunc("POST /v1/index/sweep", rt.sweep)
	mux.HandleFunc("GET /v1/cache/stats", rt.cacheStats)
	mux.HandleFunc("POST /v1/cache/stats/reset", rt.resetCacheStats)
	mux.HandleFunc("DELETE /v1/cache/namespaces/{namespace}", rt.invalidateNamespace)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, backpressureWait, rt.reject)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.reject)
	handler = accessLogMiddleware(handler, rt.logger)
	return requestIDMiddleware(handler)
}

func (rt *Router) reject(reason string) {
	if rt.rejections != nil {
		rt.rejections.RecordRejected(reason)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	var req domain.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	resp, err := rt.services.Search.Search(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ragQueryRequest struct {
	Question  string           `json:"question"`
	Namespace string           `json:"namespace,omitempty"`
	Config    domain.RAGConfig `json:"config"`
}

func (rt *Router) queryRAG(w http.ResponseWriter, r *http.Request) {
	var req ragQueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	resp, err := rt.services.RAG.Query(r.Context(), req.Question, req.Namespace, req.Config)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type changeRequest struct {
	domain.RecordChange
	Async bool `json:"async"`
}

func (rt *Router) submitChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Async {
		if rt.services.Publisher == nil {
			rt.writeError(w, r, domain.WrapError(domain.ErrTemporary, "submit change", errors.New("change bus is not configured")))
			return
		}
		if err := rt.services.Publisher.PublishRecordChanged(r.Context(), req.RecordChange); err != nil {
			rt.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}

	result := rt.services.Indexing.HandleDataChange(r.Context(), req.RecordChange)
	if !result.Success && result.JobID == "" {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	job, err := rt.services.Indexing.GetJob(r.Context(), jobID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) retryJobs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	processed, err := rt.services.Indexing.RetryPending(r.Context(), req.Limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (rt *Router) sweep(w http.ResponseWriter, r *http.Request) {
	report, err := rt.services.Indexing.Sweep(r.Context())
	if err != nil {
		logging.FromContext(r.Context(), rt.logger).Warn("sweep_partial_failure", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"report": report, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (rt *Router) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.services.Cache.Stats())
}

func (rt *Router) resetCacheStats(w http.ResponseWriter, _ *http.Request) {
	rt.services.Cache.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (rt *Router) invalidateNamespace(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.PathValue("namespace"))
	deleted, err := rt.services.Cache.InvalidateNamespace(r.Context(), namespace)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": namespace, "deleted": deleted})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), rt.logger).Error("http_handler_failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package api is the administrative HTTP surface over the orchestrator.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/logging"
	"github.com/psantana5/genflow/pkg/middleware"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/provider"
	"github.com/psantana5/genflow/pkg/queue"
	"github.com/psantana5/genflow/pkg/ratelimit"
	"github.com/psantana5/genflow/pkg/store"
	"github.com/psantana5/genflow/pkg/tracing"
	"github.com/psantana5/genflow/pkg/worker"
)

const maxBodyBytes = 1 << 20

// PoolStats reports worker counters
type PoolStats interface {
	Stats() worker.Stats
}

// Deps are the components the API drives
type Deps struct {
	Queue      *queue.Queue
	DeadLetter *deadletter.Manager
	Cost       *cost.Monitor
	Registry   *provider.Registry
	Store      store.Store
	Pool       PoolStats
}

// Handler serves the admin routes
type Handler struct {
	deps   Deps
	logger *logging.Logger
}

// NewHandler creates the admin handler
func NewHandler(deps Deps, logger *logging.Logger) *Handler {
	return &Handler{deps: deps, logger: logging.OrDiscard(logger).WithField("component", "api")}
}

// RegisterRoutes sets up the admin routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Jobs
	r.HandleFunc("/jobs", h.SubmitJob).Methods("POST")
	r.HandleFunc("/batches", h.SubmitBatch).Methods("POST")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/pause", h.PauseJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/resume", h.ResumeJob).Methods("POST")

	// Queue
	r.HandleFunc("/queue/stats", h.QueueStats).Methods("GET")
	r.HandleFunc("/queue/pause", h.PauseQueue).Methods("POST")
	r.HandleFunc("/queue/resume", h.ResumeQueue).Methods("POST")
	r.HandleFunc("/queue/clean", h.CleanQueue).Methods("POST")

	// Providers
	r.HandleFunc("/providers", h.ListProviders).Methods("GET")
	r.HandleFunc("/providers/{name}/usage", h.ProviderUsage).Methods("GET")

	// Dead letter
	r.HandleFunc("/dead-letter", h.ListDeadLetter).Methods("GET")
	r.HandleFunc("/dead-letter/stats", h.DeadLetterStats).Methods("GET")
	r.HandleFunc("/dead-letter/{id}", h.GetDeadLetter).Methods("GET")
	r.HandleFunc("/dead-letter/{id}/retry", h.RetryDeadLetter).Methods("POST")
	r.HandleFunc("/dead-letter/{id}/resolve", h.ResolveDeadLetter).Methods("POST")

	// Cost
	r.HandleFunc("/cost/report", h.CostReport).Methods("GET")
	r.HandleFunc("/cost/spend", h.CostSpend).Methods("GET")
	r.HandleFunc("/cost/alerts", h.ListAlerts).Methods("GET")
	r.HandleFunc("/cost/alerts/{id}/ack", h.AcknowledgeAlert).Methods("POST")
	r.HandleFunc("/cost/recommendations", h.Recommendations).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// Router builds the full middleware stack. limiter and tracer may be nil.
func (h *Handler) Router(limiter *ratelimit.Limiter, tracer trace.Tracer) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no such route", Code: "NOT_FOUND"})
	})

	r.Use(middleware.Recover(h.logger))
	r.Use(middleware.Requester)
	r.Use(middleware.Logging(h.logger))
	if limiter != nil {
		r.Use(limiter.Middleware(middleware.RequesterKey(ratelimit.IPKeyFunc)))
	}
	if tracer != nil {
		r.Use(tracing.HTTPMiddleware(tracer))
	}
	return r
}

func decode(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// SubmitJobRequest is the body of POST /jobs
type SubmitJobRequest struct {
	PayloadRef  string  `json:"payload_ref"`
	ProviderID  string  `json:"provider_id,omitempty"`
	MaxRetries  *int    `json:"max_retries,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	RequesterID string  `json:"requester_id,omitempty"`
	DelayMs     int64   `json:"delay_ms,omitempty"`
	CostLimit   float64 `json:"cost_limit,omitempty"`
	TimeoutMs   int64   `json:"timeout_ms,omitempty"`
}

// SubmitJobResponse is the body returned for an admitted job
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

func requester(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return middleware.GetRequesterID(r)
}

// SubmitJob admits one job
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		h.writeError(w, r, badRequest("%v", err))
		return
	}
	id, err := h.deps.Queue.Enqueue(r.Context(),
		models.JobRequest{PayloadRef: req.PayloadRef, ProviderID: req.ProviderID, MaxRetries: req.MaxRetries},
		priority, requester(r, req.RequesterID),
		queue.Options{Delay: ms(req.DelayMs), CostLimit: req.CostLimit, TimeoutMs: req.TimeoutMs})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: id})
}

// SubmitBatchRequest is the body of POST /batches
type SubmitBatchRequest struct {
	Jobs          []models.JobRequest `json:"jobs"`
	Priority      string              `json:"priority,omitempty"`
	RequesterID   string              `json:"requester_id,omitempty"`
	ParallelLimit int                 `json:"parallel_limit,omitempty"`
	FailFast      bool                `json:"fail_fast,omitempty"`
	CostLimit     float64             `json:"cost_limit,omitempty"`
	TimeoutMs     int64               `json:"timeout_ms,omitempty"`
}

// SubmitBatch admits a batch, all or nothing
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		h.writeError(w, r, badRequest("%v", err))
		return
	}
	res, err := h.deps.Queue.EnqueueBatch(r.Context(), req.Jobs, priority, requester(r, req.RequesterID), queue.BatchOptions{
		ParallelLimit: req.ParallelLimit,
		FailFast:      req.FailFast,
		CostLimit:     req.CostLimit,
		TimeoutMs:     req.TimeoutMs,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// GetJob returns a job's status, progress and result
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Queue.GetStatus(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) jobAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := mux.Vars(r)["id"]
	if err := action(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.deps.Queue.GetStatus(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a pending job or flags an active one
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.deps.Queue.Cancel)
}

// PauseJob holds a pending job
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.deps.Queue.PauseJob)
}

// ResumeJob releases a paused job
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.deps.Queue.ResumeJob)
}

// QueueStatsResponse adds worker counters to the queue snapshot
type QueueStatsResponse struct {
	models.QueueStats
	Workers *worker.Stats `json:"workers,omitempty"`
}

// QueueStats returns queue counts
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Queue.Stats()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := QueueStatsResponse{QueueStats: stats}
	if h.deps.Pool != nil {
		s := h.deps.Pool.Stats()
		resp.Workers = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// PauseQueue stops claims; admission continues
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.deps.Queue.Pause()
	h.QueueStats(w, r)
}

// ResumeQueue restarts claims
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.deps.Queue.Resume()
	h.QueueStats(w, r)
}

// CleanRequest is the body of POST /queue/clean
type CleanRequest struct {
	Grace string `json:"grace,omitempty"` // Go duration, e.g. "24h"
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// CleanQueue purges terminal jobs
func (h *Handler) CleanQueue(w http.ResponseWriter, r *http.Request) {
	var req CleanRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var grace time.Duration
	if req.Grace != "" {
		d, err := time.ParseDuration(req.Grace)
		if err != nil || d < 0 {
			h.writeError(w, r, badRequest("invalid grace %q", req.Grace))
			return
		}
		grace = d
	}
	n, err := h.deps.Queue.Clean(queue.CleanOptions{Grace: grace, State: models.JobStatus(req.State), Limit: req.Limit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// ListProviders returns capability, cost and cached health per provider
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Registry.Descriptors())
}

// ProviderUsage returns one provider's usage counters
func (h *Handler) ProviderUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.deps.Registry.Usage(mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func parseBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, badRequest("invalid boolean %q", raw)
	}
	return &b, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid limit %q", raw)
	}
	return n, nil
}

// ListDeadLetter lists entries filtered by category, provider and resolution
func (h *Handler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resolved, err := parseBool(q.Get("resolved"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.deps.DeadLetter.List(models.DeadLetterFilter{
		Category:   models.FailureCategory(q.Get("category")),
		ProviderID: q.Get("provider"),
		Resolved:   resolved,
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// DeadLetterStats returns totals by category and provider
func (h *Handler) DeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.DeadLetter.Stats()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetDeadLetter returns one entry
func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := h.deps.DeadLetter.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RetryRequest is the body of POST /dead-letter/{id}/retry
type RetryRequest struct {
	ForceDifferentProvider bool                `json:"force_different_provider"`
	ModifiedJobData        *deadletter.JobData `json:"modified_job_data,omitempty"`
	ResolvedBy             string              `json:"resolved_by"`
	Notes                  string              `json:"notes,omitempty"`
	DelayMs                int64               `json:"delay_ms,omitempty"`
}

// RetryDeadLetter re-submits an entry's job
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req RetryRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.deps.DeadLetter.Retry(r.Context(), mux.Vars(r)["id"], deadletter.RetryOptions{
		ForceDifferentProvider: req.ForceDifferentProvider,
		ModifiedJobData:        req.ModifiedJobData,
		ResolvedBy:             requester(r, req.ResolvedBy),
		Notes:                  req.Notes,
		Delay:                  ms(req.DelayMs),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// ResolveRequest is the body of POST /dead-letter/{id}/resolve
type ResolveRequest struct {
	Method     string `json:"method"`
	ResolvedBy string `json:"resolved_by"`
	Notes      string `json:"notes,omitempty"`
}

// ResolveDeadLetter closes an entry without retrying it
func (h *Handler) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	ok, err := h.deps.DeadLetter.Resolve(id, models.Resolution{
		Method:     models.ResolutionMethod(req.Method),
		ResolvedBy: requester(r, req.ResolvedBy),
		Notes:      req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, models.Errorf(models.CodeAlreadyResolved, "entry %s is already resolved", id))
		return
	}
	entry, err := h.deps.DeadLetter.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, badRequest("invalid time %q (want RFC3339)", raw)
	}
	return &t, nil
}

// CostReport returns aggregates and trends for a timeframe
func (h *Handler) CostReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTime(q.Get("start"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	report, err := h.deps.Cost.Report(models.Timeframe(q.Get("timeframe")), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CostSpend returns spend in the current budget windows
func (h *Handler) CostSpend(w http.ResponseWriter, r *http.Request) {
	spend, err := h.deps.Cost.Spend()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, spend)
}

// ListAlerts lists cost alerts, newest first
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	acked, err := parseBool(q.Get("acknowledged"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	alerts, err := h.deps.Cost.Alerts(store.AlertFilter{
		Type:         models.AlertType(q.Get("type")),
		Acknowledged: acked,
		Limit:        limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// AckRequest is the body of POST /cost/alerts/{id}/ack
type AckRequest struct {
	By string `json:"by"`
}

// AcknowledgeAlert marks an alert acknowledged; repeating it is a no-op
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	ok, err := h.deps.Cost.Acknowledge(mux.Vars(r)["id"], requester(r, req.By))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": ok})
}

// Recommendations returns advisory cost hints
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.deps.Cost.Recommendations()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string                           `json:"status"`
	Store     string                           `json:"store"`
	Paused    bool                             `json:"paused"`
	Providers map[string]models.ProviderHealth `json:"providers"`
}

// Health reports store connectivity and cached provider health. It never
// probes providers itself.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok", Providers: map[string]models.ProviderHealth{}}
	if h.deps.Store != nil {
		if err := h.deps.Store.HealthCheck(); err != nil {
			resp.Status, resp.Store = "degraded", fmt.Sprintf("error: %v", err)
		}
	}
	if h.deps.Queue != nil {
		resp.Paused = h.deps.Queue.IsPaused()
	}
	for _, d := range h.deps.Registry.Descriptors() {
		resp.Providers[d.Name] = d.Health
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"studio/internal/jobs/models"
	"studio/internal/jobs/queue"
	ratelimitconfig "studio/internal/ratelimit/config"
	id "studio/pkg/domain"
	dErrors "studio/pkg/domain-errors"
	"studio/pkg/platform/httputil"
	"studio/pkg/requestcontext"
)

// Service is the job queue as seen by the HTTP layer. *queue.Queue
// satisfies it.
type Service interface {
	Enqueue(params models.Params, opts ...queue.EnqueueOption) (models.Job, error)
	Jobs() []models.Job
	Get(jobID id.JobID) (models.Job, bool)
	Retry(jobID id.JobID) error
	Cancel(jobID id.JobID) error
	Delete(jobID id.JobID) error
	ClearCompleted() int
	ClearFailed() int
	Reorder(from, to int) error
	SetPriority(jobID id.JobID, p int) error
	Stats() map[models.Status]int
}

// RateLimiter resolves a policy name to middleware.
type RateLimiter interface {
	RateLimit(policy string) func(http.Handler) http.Handler
}

type Handler struct {
	service Service
	limiter RateLimiter
	logger  *slog.Logger
}

// New builds the handler. limiter may be nil, in which case routes are not
// rate limited.
func New(service Service, limiter RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{service: service, limiter: limiter, logger: logger}
}

// Register mounts the routes. inner middleware runs after the route's rate
// limit, so requests it rejects still count against the policy.
func (h *Handler) Register(r chi.Router, inner ...func(http.Handler) http.Handler) {
	generation := h.policy(ratelimitconfig.PolicyGeneration, inner)
	api := h.policy(ratelimitconfig.PolicyAPI, inner)

	r.With(generation...).Post("/api/jobs", h.HandleEnqueue)
	r.With(api...).Get("/api/jobs", h.HandleList)
	r.With(api...).Post("/api/jobs/reorder", h.HandleReorder)
	r.With(api...).Delete("/api/jobs/completed", h.HandleClearCompleted)
	r.With(api...).Delete("/api/jobs/failed", h.HandleClearFailed)
	r.With(api...).Get("/api/jobs/{id}", h.HandleGet)
	r.With(api...).Delete("/api/jobs/{id}", h.HandleDelete)
	r.With(api...).Post("/api/jobs/{id}/retry", h.HandleRetry)
	r.With(api...).Post("/api/jobs/{id}/cancel", h.HandleCancel)
	r.With(api...).Put("/api/jobs/{id}/priority", h.HandleSetPriority)
}

func (h *Handler) policy(name string, inner []func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	if h.limiter == nil {
		return inner
	}
	return append([]func(http.Handler) http.Handler{h.limiter.RateLimit(name)}, inner...)
}

// HandleEnqueue validates the typed params and adds a pending job.
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[EnqueueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	job, err := h.service.Enqueue(req.decoded, req.Options()...)
	if err != nil {
		h.logger.WarnContext(ctx, "enqueue job failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "job enqueued",
		"job_id", job.ID.String(),
		"type", job.Type,
		"priority", job.Priority,
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusCreated, job)
}

// HandleList returns the ordered job view with per-status counts.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "status must be one of pending, processing, completed, failed"))
		return
	}
	jobs := h.service.Jobs()
	if status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	httputil.WriteJSON(w, http.StatusOK, toJobListResponse(jobs, h.service.Stats()))
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, found := h.service.Get(jobID)
	if !found {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "job not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if jobID, ok := parseJobID(w, r); ok {
		h.mutate(w, r, "retry", jobID, h.service.Retry)
	}
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if jobID, ok := parseJobID(w, r); ok {
		h.mutate(w, r, "cancel", jobID, h.service.Cancel)
	}
}

func (h *Handler) HandleSetPriority(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SetPriorityRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	h.mutate(w, r, "set priority", jobID, func(jobID id.JobID) error {
		return h.service.SetPriority(jobID, *req.Priority)
	})
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(jobID); err != nil {
		h.logger.WarnContext(ctx, "delete job failed",
			"error", err,
			"job_id", jobID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleReorder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[ReorderRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.Reorder(*req.From, *req.To); err != nil {
		h.logger.WarnContext(ctx, "reorder jobs failed",
			"error", err,
			"from", *req.From,
			"to", *req.To,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toJobListResponse(h.service.Jobs(), h.service.Stats()))
}

func (h *Handler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed := h.service.ClearCompleted()
	h.logger.InfoContext(r.Context(), "completed jobs cleared",
		"removed", removed,
		"request_id", requestcontext.RequestID(r.Context()),
	)
	httputil.WriteJSON(w, http.StatusOK, &ClearResponse{Removed: removed})
}

func (h *Handler) HandleClearFailed(w http.ResponseWriter, r *http.Request) {
	removed := h.service.ClearFailed()
	h.logger.InfoContext(r.Context(), "failed jobs cleared",
		"removed", removed,
		"request_id", requestcontext.RequestID(r.Context()),
	)
	httputil.WriteJSON(w, http.StatusOK, &ClearResponse{Removed: removed})
}

// mutate applies op and responds with the job's new state.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, action string, jobID id.JobID, op func(id.JobID) error) {
	ctx := r.Context()

	if err := op(jobID); err != nil {
		h.logger.WarnContext(ctx, action+" job failed",
			"error", err,
			"job_id", jobID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	job, found := h.service.Get(jobID)
	if !found {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "job not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func parseJobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid job id"))
		return id.JobID{}, false
	}
	return jobID, true
}

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/loomhq/loom/job"
)

// JobsHandler serves job submission, status, cancellation, and stats.
type JobsHandler struct {
	manager *job.Manager
	logger  *zap.Logger
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(manager *job.Manager, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		manager: manager,
		logger:  logger.With(zap.String("handler", "jobs")),
	}
}

// HandleCreate accepts a new job: POST /v1/jobs.
func (h *JobsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req job.StartRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	// An Idempotency-Key header wins over the body field.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.RequestID = key
	}

	j, err := h.manager.Start(r.Context(), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, j)
}

// HandleGet returns a job snapshot: GET /v1/jobs/{id}.
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	j, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, j)
}

// HandleCancel requests cooperative cancellation: DELETE /v1/jobs/{id}.
func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	j, err := h.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, j)
}

// HandleStats returns per-status job counts: GET /v1/jobs/stats.
func (h *JobsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, stats)
}

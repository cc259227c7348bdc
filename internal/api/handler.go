// Package api provides the operational HTTP API of the daemon: probes,
// job submission and inspection, heartbeats and cancellation requests.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"jobhost/internal/apperrors"
	"jobhost/internal/health"
	"jobhost/internal/job"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	jobs   *job.Service
	health *health.Checker
	logger *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(jobs *job.Service, healthChecker *health.Checker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:   jobs,
		health: healthChecker,
		logger: logger.With("component", "api"),
	}
}

// createJobRequest is the body of POST /v1/jobs.
type createJobRequest struct {
	ID         string            `json:"id,omitempty"`
	TaskID     string            `json:"taskId"`
	AccountID  string            `json:"accountId,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	HostGroup  string            `json:"hostGroup,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Tag        string            `json:"tag,omitempty"`
}

// heartbeatRequest is the optional body of POST /v1/jobs/{jobId}/heartbeat.
type heartbeatRequest struct {
	Progress *job.Progress `json:"progress,omitempty"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.jobs.Add(r.Context(), &job.Job{
		ID:         req.ID,
		TaskID:     req.TaskID,
		AccountID:  req.AccountID,
		Priority:   req.Priority,
		HostGroup:  req.HostGroup,
		Parameters: req.Parameters,
		Tag:        req.Tag,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// ListJobs handles GET /v1/jobs. Supported query parameters: status
// (repeatable or comma separated), taskId, accountId, hostId and tag.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{
		TaskID:    q.Get("taskId"),
		AccountID: q.Get("accountId"),
		HostID:    q.Get("hostId"),
		Tag:       q.Get("tag"),
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(s))
			if !status.Valid() {
				h.writeError(w, http.StatusBadRequest, "Unknown status: "+string(status))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}

	jobs, err := h.jobs.Query(r.Context(), f)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// Heartbeat handles POST /v1/jobs/{jobId}/heartbeat. Remote workloads call
// it periodically; the body may carry a progress report.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.jobs.UpdateHeartbeat(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	if req.Progress != nil {
		current, err := h.jobs.Get(r.Context(), jobID)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		if current.Status.IsTerminal() {
			h.handleError(w, r, apperrors.InvalidState("job", jobID, "job is "+string(current.Status)))
			return
		}
		progress := job.NewProgress(req.Progress.Value, req.Progress.Message)
		if _, err := h.jobs.UpdateStatus(r.Context(), jobID, current.Status, job.WithProgress(progress)); err != nil {
			h.handleError(w, r, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles POST /v1/jobs/{jobId}/cancel. The job worker forwards
// the request to the job's host on its next sweep.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.RequestCancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, j)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a required dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response for a request the handler rejected
// before reaching the job service.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, status, apperrors.ErrorResponse{Error: message, Code: "bad_request"})
}

// handleError maps a service error to its status code and error body.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
	} else {
		h.logger.WarnContext(r.Context(), "Request rejected", "error", err, "path", r.URL.Path, "status", status)
	}
	writeErrorBody(w, status, apperrors.Response(err))
}

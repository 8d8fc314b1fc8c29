package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/iago/content-worker/internal/domain"
	"github.com/iago/content-worker/internal/repository"
	"github.com/iago/content-worker/internal/service"
	"github.com/rs/zerolog"
)

type taskSpecRequest struct {
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

type submitJobRequest struct {
	TenantID string            `json:"tenant_id"`
	Tasks    []taskSpecRequest `json:"tasks"`
}

type taskResponse struct {
	TaskID      string     `json:"task_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type jobResponse struct {
	JobID      string         `json:"job_id"`
	TenantID   string         `json:"tenant_id"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	StatusURL  string         `json:"status_url"`
	Tasks      []taskResponse `json:"tasks,omitempty"`
}

// SubmitJob creates a job with its tasks. An Idempotency-Key header makes
// retries return the job created by the first attempt.
func (api *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request submitJobRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	scopedKey := strings.TrimSpace(request.TenantID) + ":" + idempotencyKey
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if entry, exists := api.idempotency.Get(scopedKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			api.writeJob(w, r, http.StatusOK, entry.JobID)
			return
		}
	}

	specs := make([]domain.TaskSpec, 0, len(request.Tasks))
	for _, task := range request.Tasks {
		specs = append(specs, domain.TaskSpec{Kind: domain.TaskKind(strings.TrimSpace(task.Kind)), Input: task.Input})
	}

	job, tasks, err := api.jobsService.Submit(r.Context(), request.TenantID, specs)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("create job failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(scopedKey, payloadHash, job.ID, job.CreatedAt)
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, newJobResponse(job, tasks))
}

// JobRoutes serves GET /v1/jobs/{id} and POST /v1/jobs/{id}/cancel.
func (api *API) JobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/jobs/"), "/")
	jobID, action, _ := strings.Cut(path, "/")
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		api.writeJob(w, r, http.StatusOK, jobID)
	case "cancel":
		if r.Method != http.MethodPost {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		api.cancelJob(w, r, jobID)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	}
}

func (api *API) writeJob(w http.ResponseWriter, r *http.Request, statusCode int, jobID string) {
	job, tasks, err := api.jobsService.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("load job failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}
	writeJSON(w, statusCode, newJobResponse(job, tasks))
}

func (api *API) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := api.jobsService.CancelJob(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newJobResponse(job, nil))
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, repository.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, "job_finished", "job already reached a final status")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("cancel job failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to cancel job")
	}
}

func newJobResponse(job *domain.Job, tasks []domain.Task) jobResponse {
	response := jobResponse{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		Status:     string(job.Status),
		Error:      job.ErrorMessage,
		CreatedAt:  job.CreatedAt,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		StatusURL:  "/v1/jobs/" + job.ID,
	}
	for _, task := range tasks {
		item := taskResponse{
			TaskID:      task.ID,
			Kind:        string(task.Kind),
			Status:      string(task.Status),
			Error:       task.ErrorMessage,
			SubmittedAt: task.SubmittedAt,
			UpdatedAt:   task.UpdatedAt,
		}
		if len(task.Result) > 0 {
			item.Result = jsonRawOrFallback(task.Result)
		}
		response.Tasks = append(response.Tasks, item)
	}
	return response
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}

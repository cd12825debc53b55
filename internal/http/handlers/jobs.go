package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/matteosandrin/diffusion-garden/internal/repository"
	"github.com/matteosandrin/diffusion-garden/internal/service"
)

type createJobRequest struct {
	BlockID     string   `json:"block_id"`
	Prompt      string   `json:"prompt"`
	Input       *string  `json:"input"`
	ImageURLs   []string `json:"image_urls"`
	Model       string   `json:"model"`
	IsVariation bool     `json:"is_variation"`
}

func (r createJobRequest) submit() service.SubmitRequest {
	request := service.SubmitRequest{
		BlockID:     r.BlockID,
		Prompt:      r.Prompt,
		ImageURLs:   r.ImageURLs,
		Model:       r.Model,
		IsVariation: r.IsVariation,
	}
	if r.Input != nil {
		request.Input = *r.Input
	}
	return request
}

type createJobResponse struct {
	JobID string `json:"jobId"`
}

type jobResponse struct {
	JobID   string            `json:"jobId"`
	BlockID string            `json:"blockId"`
	Type    domain.JobType    `json:"type"`
	Status  domain.JobStatus  `json:"status"`
	Result  *domain.JobResult `json:"result"`
	Error   *string           `json:"error"`
}

func newJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{
		JobID:   job.ID,
		BlockID: job.BlockID,
		Type:    job.Type,
		Status:  job.Status,
		Result:  job.Result,
	}
	if strings.TrimSpace(job.Error) != "" {
		message := job.Error
		response.Error = &message
	}
	return response
}

func (api *API) GenerateText(w http.ResponseWriter, r *http.Request) {
	api.createJob(w, r, api.jobs.SubmitText)
}

func (api *API) GenerateImage(w http.ResponseWriter, r *http.Request) {
	api.createJob(w, r, api.jobs.SubmitImage)
}

func (api *API) createJob(
	w http.ResponseWriter,
	r *http.Request,
	submit func(ctx context.Context, request service.SubmitRequest) (*domain.Job, error),
) {
	var body createJobRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	job, err := submit(r.Context(), body.submit())
	if err != nil {
		var validation *service.ValidationError
		if errors.As(err, &validation) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", validation.Message)
			return
		}
		api.requestLogger(r).Error().Err(err).Msg("create job failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create job")
		return
	}

	writeJSON(w, http.StatusOK, createJobResponse{JobID: job.ID})
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeLookupError(w, r, err, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) ListBlockJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := api.jobs.ListJobsForBlock(r.Context(), chi.URLParam(r, "blockID"))
	if err != nil {
		api.requestLogger(r).Error().Err(err).Msg("list block jobs failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load jobs")
		return
	}

	response := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		response = append(response, newJobResponse(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	err := api.jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, service.ErrNotCancellable):
		writeError(w, r, http.StatusBadRequest, "invalid_state", err.Error())
	default:
		api.writeLookupError(w, r, err, "Job not found")
	}
}

func (api *API) writeLookupError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", notFound)
		return
	}
	api.requestLogger(r).Error().Err(err).Msg("lookup failed")
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matteosandrin/diffusion-garden/internal/broadcast"
	"github.com/matteosandrin/diffusion-garden/internal/cancellation"
	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/matteosandrin/diffusion-garden/internal/queue"
	"github.com/matteosandrin/diffusion-garden/internal/repository"
)

const (
	DefaultMaxPromptBytes = 32 << 10
	DefaultMaxInputBytes  = 256 << 10
	DefaultMaxImageURLs   = 8
)

// ErrNotCancellable is returned when a cancel targets a finished job.
var ErrNotCancellable = errors.New("Cannot cancel job with status")

// ValidationError rejects a submission before any job is created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ModelResolver validates a requested model and applies defaults.
type ModelResolver interface {
	ResolveTextModel(model string) (string, error)
	ResolveImageModel(model string) (string, error)
}

type SubmitRequest struct {
	BlockID     string
	Prompt      string
	Input       string
	ImageURLs   []string
	Model       string
	IsVariation bool
}

type Limits struct {
	MaxPromptBytes int
	MaxInputBytes  int
	MaxImageURLs   int
}

type JobsService struct {
	repo     repository.JobsRepository
	producer queue.Producer
	models   ModelResolver
	registry *cancellation.Registry
	events   broadcast.Publisher
	limits   Limits
	logger   zerolog.Logger

	newID func() string
	now   func() time.Time
}

func NewJobsService(
	repo repository.JobsRepository,
	producer queue.Producer,
	models ModelResolver,
	registry *cancellation.Registry,
	events broadcast.Publisher,
	limits Limits,
	logger zerolog.Logger,
) *JobsService {
	if limits.MaxPromptBytes <= 0 {
		limits.MaxPromptBytes = DefaultMaxPromptBytes
	}
	if limits.MaxInputBytes <= 0 {
		limits.MaxInputBytes = DefaultMaxInputBytes
	}
	if limits.MaxImageURLs <= 0 {
		limits.MaxImageURLs = DefaultMaxImageURLs
	}
	return &JobsService{
		repo:     repo,
		producer: producer,
		models:   models,
		registry: registry,
		events:   events,
		limits:   limits,
		logger:   logger,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobsService) SubmitText(ctx context.Context, request SubmitRequest) (*domain.Job, error) {
	model, err := s.models.ResolveTextModel(request.Model)
	if err != nil {
		return nil, invalid("%v", err)
	}
	request.Model = model
	// Variations only exist for images.
	request.IsVariation = false
	return s.submit(ctx, domain.JobTypeText, request)
}

func (s *JobsService) SubmitImage(ctx context.Context, request SubmitRequest) (*domain.Job, error) {
	model, err := s.models.ResolveImageModel(request.Model)
	if err != nil {
		return nil, invalid("%v", err)
	}
	request.Model = model
	return s.submit(ctx, domain.JobTypeImage, request)
}

func (s *JobsService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// ListJobsForBlock returns the most recent jobs of a block, newest first.
func (s *JobsService) ListJobsForBlock(ctx context.Context, blockID string) ([]domain.Job, error) {
	return s.repo.ListJobsByBlock(ctx, blockID, repository.DefaultBlockJobsLimit)
}

// Cancel moves a pending or running job to cancelled and signals the
// executor. When the executor does not hold the job, the cancelled event is
// broadcast here instead.
func (s *JobsService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsCancellable() {
		return fmt.Errorf("%w: %s", ErrNotCancellable, job.Status)
	}

	err = s.repo.UpdateJob(ctx, jobID, repository.Transition(
		domain.JobStatusCancelled,
		domain.JobStatusPending,
		domain.JobStatusRunning,
	))
	if errors.Is(err, repository.ErrStatusConflict) {
		current, getErr := s.repo.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrNotCancellable, current.Status)
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	if !s.registry.RequestCancellation(jobID) {
		s.events.Publish(jobID, domain.CancelledEvent{})
	}
	s.logger.Info().Str("job_id", jobID).Str("previous_status", string(job.Status)).Msg("job cancelled")
	return nil
}

// RequeuePending enqueues every persisted pending job, oldest first. It runs
// at startup so jobs accepted before a restart are executed.
func (s *JobsService) RequeuePending(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListJobsByStatus(ctx, domain.JobStatusPending, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	for i, job := range jobs {
		message := domain.QueueMessage{JobID: job.ID, Type: job.Type, RequestedAt: s.now()}
		if err := s.producer.Enqueue(ctx, message); err != nil {
			return i, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
	}
	return len(jobs), nil
}

func (s *JobsService) submit(ctx context.Context, jobType domain.JobType, request SubmitRequest) (*domain.Job, error) {
	normalized, err := s.validate(request)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &domain.Job{
		ID:        s.newID(),
		Type:      jobType,
		Status:    domain.JobStatusPending,
		BlockID:   normalized.BlockID,
		Request:   normalized.jobRequest(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	message := domain.QueueMessage{JobID: job.ID, Type: job.Type, RequestedAt: now}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		update := repository.Transition(domain.JobStatusFailed, domain.JobStatusPending).WithError("enqueue failed: " + err.Error())
		if updateErr := s.repo.UpdateJob(context.WithoutCancel(ctx), job.ID, update); updateErr != nil {
			s.logger.Error().Err(updateErr).Str("job_id", job.ID).Msg("mark unqueued job failed")
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("block_id", job.BlockID).
		Str("model", job.Request.Model).
		Msg("job queued")
	return job, nil
}

func (s *JobsService) validate(request SubmitRequest) (SubmitRequest, error) {
	request.BlockID = strings.TrimSpace(request.BlockID)
	if request.BlockID == "" {
		return request, invalid("block_id is required")
	}
	if strings.TrimSpace(request.Prompt) == "" {
		return request, invalid("prompt is required")
	}
	if len(request.Prompt) > s.limits.MaxPromptBytes {
		return request, invalid("prompt exceeds %d bytes", s.limits.MaxPromptBytes)
	}
	if len(request.Input) > s.limits.MaxInputBytes {
		return request, invalid("input exceeds %d bytes", s.limits.MaxInputBytes)
	}
	if len(request.ImageURLs) > s.limits.MaxImageURLs {
		return request, invalid("at most %d image_urls are allowed", s.limits.MaxImageURLs)
	}

	urls := make([]string, 0, len(request.ImageURLs))
	for _, raw := range request.ImageURLs {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if !validImageURL(value) {
			return request, invalid("invalid image url: %s", value)
		}
		urls = append(urls, value)
	}
	request.ImageURLs = urls
	return request, nil
}

func (r SubmitRequest) jobRequest() domain.JobRequest {
	return domain.JobRequest{
		Prompt:      r.Prompt,
		Input:       r.Input,
		ImageURLs:   r.ImageURLs,
		Model:       r.Model,
		IsVariation: r.IsVariation,
	}
}

func validImageURL(value string) bool {
	if strings.HasPrefix(value, "data:image/") {
		return strings.Contains(value, ";base64,")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	if parsed.IsAbs() {
		return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
	}
	return strings.HasPrefix(parsed.Path, "/")
}

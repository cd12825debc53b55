package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrStatusConflict = errors.New("job status changed concurrently")
)

const DefaultBlockJobsLimit = 10

// JobUpdate is a partial update of a job. Zero fields are left untouched.
// When ExpectedStatuses is set the update is a compare-and-set: it only
// applies if the stored status is one of them, otherwise ErrStatusConflict.
type JobUpdate struct {
	Status           domain.JobStatus
	Result           *domain.JobResult
	Error            *string
	ExpectedStatuses []domain.JobStatus
}

// Transition builds a status compare-and-set from any of the given statuses.
func Transition(to domain.JobStatus, from ...domain.JobStatus) JobUpdate {
	return JobUpdate{Status: to, ExpectedStatuses: from}
}

func (u JobUpdate) WithResult(result domain.JobResult) JobUpdate {
	u.Result = &result
	return u
}

func (u JobUpdate) WithError(message string) JobUpdate {
	u.Error = &message
	return u
}

func (u JobUpdate) allows(current domain.JobStatus) bool {
	if len(u.ExpectedStatuses) == 0 {
		return true
	}
	for _, expected := range u.ExpectedStatuses {
		if expected == current {
			return true
		}
	}
	return false
}

func (u JobUpdate) expectedStrings() []string {
	values := make([]string, 0, len(u.ExpectedStatuses))
	for _, status := range u.ExpectedStatuses {
		values = append(values, string(status))
	}
	return values
}

// JobsRepository abstracts job persistence and query operations.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error
	ListJobsByBlock(ctx context.Context, blockID string, limit int) ([]domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

type ImagesRepository interface {
	CreateImage(ctx context.Context, image *domain.Image) error
	GetImage(ctx context.Context, imageID string) (*domain.Image, error)
}

type UsageRepository interface {
	RecordUsage(ctx context.Context, record domain.UsageRecord) error
	DailyUsage(ctx context.Context) ([]domain.DailyUsage, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	JobsRepository
	ImagesRepository
	UsageRepository
	Close() error
}

// MemoryStore keeps everything in memory for local development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*domain.Job
	images map[string]*domain.Image
	usage  []domain.UsageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*domain.Job),
		images: make(map[string]*domain.Image),
	}
}

func (r *MemoryStore) Close() error { return nil }

func (r *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryStore) UpdateJob(_ context.Context, jobID string, update JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !update.allows(job.Status) {
		return ErrStatusConflict
	}

	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Result != nil {
		result := *update.Result
		job.Result = &result
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryStore) ListJobsByBlock(_ context.Context, blockID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = DefaultBlockJobsLimit
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if job.BlockID == blockID {
			items = append(items, *job.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryStore) ListJobsByStatus(_ context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if job.Status == status {
			items = append(items, *job.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryStore) CreateImage(_ context.Context, image *domain.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *image
	r.images[image.ID] = &clone
	return nil
}

func (r *MemoryStore) GetImage(_ context.Context, imageID string) (*domain.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	image, ok := r.images[imageID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *image
	return &clone, nil
}

func (r *MemoryStore) RecordUsage(_ context.Context, record domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.usage = append(r.usage, record)
	return nil
}

func (r *MemoryStore) DailyUsage(_ context.Context) ([]domain.DailyUsage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type key struct{ date, requestType string }
	grouped := make(map[key]*domain.DailyUsage)
	for _, record := range r.usage {
		k := key{date: record.CreatedAt.UTC().Format(dayFormat), requestType: record.RequestType}
		entry, ok := grouped[k]
		if !ok {
			entry = &domain.DailyUsage{Date: k.date, RequestType: k.requestType}
			grouped[k] = entry
		}
		entry.RequestCount++
		entry.InputTokens += record.InputTokens
		entry.OutputTokens += record.OutputTokens
		entry.TotalTokens += record.TotalTokens
	}

	items := make([]domain.DailyUsage, 0, len(grouped))
	for _, entry := range grouped {
		items = append(items, *entry)
	}
	sortDailyUsage(items)
	return items, nil
}

const dayFormat = "2006-01-02"

func sortDailyUsage(items []domain.DailyUsage) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date > items[j].Date
		}
		return items[i].RequestType < items[j].RequestType
	})
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/matteosandrin/diffusion-garden/internal/ai"
	"github.com/matteosandrin/diffusion-garden/internal/broadcast"
	"github.com/matteosandrin/diffusion-garden/internal/cancellation"
	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/matteosandrin/diffusion-garden/internal/queue"
	"github.com/matteosandrin/diffusion-garden/internal/repository"
)

const (
	DefaultStreamThrottle = 150 * time.Millisecond
	consumeRetryDelay     = time.Second

	storeRetryInitial = 250 * time.Millisecond
	storeRetryMax     = 10 * time.Second
)

// ImageStore persists generated image bytes.
type ImageStore interface {
	Store(ctx context.Context, data []byte, mimeType, prompt string) (*domain.Image, error)
}

type Dependencies struct {
	Consumer queue.Consumer
	Jobs     repository.JobsRepository
	Usage    repository.UsageRepository
	Text     ai.TextGenerator
	Images   ai.ImageGenerator
	Library  ImageStore
	Events   broadcast.Publisher
	Registry *cancellation.Registry
	Logger   zerolog.Logger
}

type Config struct {
	StreamThrottle time.Duration
}

// Processor is the single executor draining the job queue. Jobs run one at a
// time in dequeue order.
type Processor struct {
	consumer queue.Consumer
	jobs     repository.JobsRepository
	usage    repository.UsageRepository
	text     ai.TextGenerator
	images   ai.ImageGenerator
	library  ImageStore
	events   broadcast.Publisher
	registry *cancellation.Registry
	logger   zerolog.Logger

	throttle   time.Duration
	storeRetry time.Duration
	seed       func() int64
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProcessor(deps Dependencies, config Config) *Processor {
	if config.StreamThrottle <= 0 {
		config.StreamThrottle = DefaultStreamThrottle
	}
	if deps.Registry == nil {
		deps.Registry = cancellation.NewRegistry()
	}
	return &Processor{
		consumer: deps.Consumer,
		jobs:     deps.Jobs,
		usage:    deps.Usage,
		text:     deps.Text,
		images:   deps.Images,
		library:  deps.Library,
		events:   deps.Events,
		registry: deps.Registry,
		logger:   deps.Logger,
		throttle:   config.StreamThrottle,
		storeRetry: storeRetryInitial,
		seed:       func() int64 { return rand.Int64N(math.MaxInt32) },
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start runs the consume loop in the background until ctx ends or
// Shutdown is called.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go func() {
		defer close(p.done)
		p.loop(runCtx)
	}()
}

func (p *Processor) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.handle)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("worker consume loop error")

		timer := time.NewTimer(consumeRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Shutdown cancels every executing job, stops the consume loop and waits
// for the in-flight job to settle.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.registry.Close()

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execution is the state of one job while the executor owns it.
type execution struct {
	job   *domain.Job
	token *cancellation.Token
	// terminal is set once the executor itself broadcast a terminal event.
	terminal bool
}

func (p *Processor) handle(ctx context.Context, message domain.QueueMessage) error {
	token, err := p.registry.Register(ctx, message.JobID)
	if err != nil {
		return fmt.Errorf("register job %s: %w", message.JobID, err)
	}
	run := &execution{token: token}
	defer p.finish(message.JobID, run)

	storeCtx := context.WithoutCancel(ctx)
	var job *domain.Job
	err = p.retryStore(token.Context(), message.JobID, "load job", func() error {
		var loadErr error
		job, loadErr = p.jobs.GetJob(storeCtx, message.JobID)
		return loadErr
	})
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn().Str("job_id", message.JobID).Msg("queued job not found, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusPending {
		p.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("job not pending, skipping")
		return nil
	}

	err = p.retryStore(token.Context(), job.ID, "claim job", func() error {
		return p.jobs.UpdateJob(storeCtx, job.ID, repository.Transition(domain.JobStatusRunning, domain.JobStatusPending))
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	run.job = job

	logger := p.logger.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()
	logger.Info().Str("model", job.Request.Model).Msg("job started")
	started := time.Now()

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error().Interface("panic", recovered).Msg("job panicked")
			p.fail(run, fmt.Sprintf("internal error: %v", recovered))
		}
	}()

	switch job.Type {
	case domain.JobTypeText:
		p.runText(run)
	case domain.JobTypeImage:
		p.runImage(run)
	default:
		p.fail(run, fmt.Sprintf("unsupported job type: %s", job.Type))
	}

	logger.Info().Dur("duration", time.Since(started)).Msg("job finished")
	return nil
}

// retryStore repeats a store call with capped exponential backoff until it
// succeeds, reports a definitive answer (not found, conflict) or ctx ends.
// These retries never count against the queue's delivery attempts.
func (p *Processor) retryStore(ctx context.Context, jobID, op string, call func() error) error {
	delay := p.storeRetry
	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil || errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrStatusConflict) {
			return err
		}
		p.logger.Warn().Err(err).
			Str("job_id", jobID).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg(op + " failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s %s: %w", op, jobID, err)
		case <-timer.C:
		}
		delay = min(delay*2, storeRetryMax)
	}
}

// finish releases the token. A cancellation requested while the job was
// registered gets its event here unless the executor already sent one.
func (p *Processor) finish(jobID string, run *execution) {
	requested := p.registry.Deregister(jobID, run.token)
	if requested && !run.terminal {
		p.events.Publish(jobID, domain.CancelledEvent{})
	}
}

func (p *Processor) runText(run *execution) {
	job := run.job
	if p.cancelled(run) {
		return
	}

	stream, err := p.text.StreamText(run.token.Context(), ai.TextRequest{
		Model:     job.Request.Model,
		Prompt:    job.Request.Prompt,
		Input:     job.Request.Input,
		ImageURLs: job.Request.ImageURLs,
	})
	if err != nil {
		p.failOrCancel(run, err)
		return
	}
	defer stream.Close()

	var (
		text     strings.Builder
		emitted  int
		lastEmit time.Time
		usage    ai.TokenUsage
	)
	for stream.Next() {
		part := stream.Current()
		if part.Usage != nil {
			usage = *part.Usage
		} else {
			text.WriteString(part.Text)
		}
		if p.cancelled(run) {
			return
		}
		if part.Usage != nil {
			continue
		}

		now := p.now()
		if part.Text != "" && (lastEmit.IsZero() || now.Sub(lastEmit) >= p.throttle) {
			p.events.Publish(job.ID, domain.ChunkEvent{Text: text.String()})
			emitted = text.Len()
			lastEmit = now
		}
	}
	if err := stream.Err(); err != nil {
		p.failOrCancel(run, err)
		return
	}
	if text.Len() > emitted {
		p.events.Publish(job.ID, domain.ChunkEvent{Text: text.String()})
	}

	p.recordUsage(domain.UsageTextJob, job.Request.Model, usage)
	if p.cancelled(run) {
		return
	}
	p.complete(run, domain.JobResult{Text: text.String()})
}

func (p *Processor) runImage(run *execution) {
	job := run.job
	if p.cancelled(run) {
		return
	}

	request := ai.ImageRequest{
		Model:     job.Request.Model,
		Prompt:    job.Request.Prompt,
		Input:     job.Request.Input,
		ImageURLs: job.Request.ImageURLs,
	}
	if job.Request.IsVariation {
		seed := p.seed()
		request.Seed = &seed
	}

	generated, err := p.images.GenerateImage(run.token.Context(), request)
	if err != nil {
		p.failOrCancel(run, err)
		return
	}
	if p.cancelled(run) {
		return
	}
	p.recordUsage(domain.UsageImageJob, job.Request.Model, generated.Usage)

	image, err := p.library.Store(context.WithoutCancel(run.token.Context()), generated.Data, generated.MimeType, job.Request.Prompt)
	if err != nil {
		p.fail(run, fmt.Sprintf("store image: %v", err))
		return
	}
	if p.cancelled(run) {
		return
	}
	p.complete(run, domain.JobResult{ImageID: image.ID, ImageURL: image.URL})
}

// cancelled is a checkpoint. When the token is set it moves the job to
// cancelled and reports true.
func (p *Processor) cancelled(run *execution) bool {
	if !run.token.Cancelled() {
		return false
	}
	err := p.transition(run, repository.Transition(domain.JobStatusCancelled, domain.JobStatusRunning))
	if err == nil {
		p.events.Publish(run.job.ID, domain.CancelledEvent{})
		run.terminal = true
	}
	p.logger.Info().Str("job_id", run.job.ID).AnErr("cause", run.token.Cause()).Msg("job cancelled")
	return true
}

func (p *Processor) failOrCancel(run *execution, err error) {
	if p.cancelled(run) {
		return
	}
	p.fail(run, err.Error())
}

func (p *Processor) fail(run *execution, message string) {
	p.logger.Warn().Str("job_id", run.job.ID).Str("error", message).Msg("job failed")
	update := repository.Transition(domain.JobStatusFailed, domain.JobStatusRunning).WithError(message)
	if err := p.transition(run, update); err != nil {
		return
	}
	p.events.Publish(run.job.ID, domain.ErrorEvent{Message: message})
	run.terminal = true
}

func (p *Processor) complete(run *execution, result domain.JobResult) {
	update := repository.Transition(domain.JobStatusCompleted, domain.JobStatusRunning).WithResult(result)
	if err := p.transition(run, update); err != nil {
		return
	}
	p.events.Publish(run.job.ID, domain.DoneEvent{Result: result})
	run.terminal = true
}

// transition writes a status change of the running job. A conflict means
// the job was cancelled meanwhile; any other failure leaves it in running.
func (p *Processor) transition(run *execution, update repository.JobUpdate) error {
	ctx := context.WithoutCancel(run.token.Context())
	err := p.jobs.UpdateJob(ctx, run.job.ID, update)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrStatusConflict):
		p.logger.Debug().Str("job_id", run.job.ID).Str("to", string(update.Status)).Msg("job status changed concurrently")
	default:
		p.logger.Error().Err(err).Str("job_id", run.job.ID).Str("to", string(update.Status)).Msg("job stuck in running")
	}
	return err
}

func (p *Processor) recordUsage(requestType, model string, usage ai.TokenUsage) {
	if p.usage == nil {
		return
	}
	total := usage.TotalTokens
	if total == 0 {
		total = usage.InputTokens + usage.OutputTokens
	}
	record := domain.UsageRecord{
		RequestType:  requestType,
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  total,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.usage.RecordUsage(context.Background(), record); err != nil {
		p.logger.Warn().Err(err).Str("request_type", requestType).Msg("record usage failed")
	}
}

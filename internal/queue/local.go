package queue

import (
	"context"
	"sync"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/rs/zerolog"
)

// LocalQueue is the in-process queue used when Redis is not configured.
type LocalQueue struct {
	ch          chan domain.QueueMessage
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger

	dlqMu sync.Mutex
	dlq   []domain.QueueMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger zerolog.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.QueueMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  defaultRetryDelay,
		logger:      logger,
		dlq:         make([]domain.QueueMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				q.logger.Error().Err(err).Str("job_id", message.JobID).Msg("local queue moved message to DLQ")
				continue
			}

			q.logger.Warn().Err(err).
				Str("job_id", message.JobID).
				Int("attempt", message.Attempt).
				Msg("local queue scheduling redelivery")

			delay := redeliveryDelay(q.retryDelay, message.Attempt)
			go func(retryMessage domain.QueueMessage) {
				if !wait(ctx, delay) {
					return
				}
				select {
				case q.ch <- retryMessage:
				case <-ctx.Done():
				}
			}(message)
		}
	}
}

// Len returns the number of messages waiting for the consumer.
func (q *LocalQueue) Len() int {
	return len(q.ch)
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

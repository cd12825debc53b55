package queue

import (
	"context"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

// Producer appends job ids to the tail of the execution queue.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer delivers queued messages to handler one at a time, in FIFO order.
// A handler error asks the backend to redeliver the message later.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// redeliveryDelay doubles base for every failed attempt, capped at maxRetryDelay.
func redeliveryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

// wait blocks for d or until ctx ends. It reports whether d elapsed.
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

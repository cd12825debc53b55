// Package broadcast fans job events out to every live stream of a job.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

const DefaultSubscriberBuffer = 64

// ErrKeepAlive is returned by Subscription.Next when no event arrived
// within the wait interval.
var ErrKeepAlive = errors.New("no event before keep-alive interval")

// Publisher receives job events. Implementations must not block.
type Publisher interface {
	Publish(jobID string, event domain.Event)
}

// Fanout publishes every event to each publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(jobID string, event domain.Event) {
	for _, publisher := range f {
		if publisher != nil {
			publisher.Publish(jobID, event)
		}
	}
}

// Subscription is one observer of a job. It is owned by a single goroutine.
type Subscription struct {
	jobID  string
	events chan domain.Event
	final  chan domain.Event
	held   domain.Event
}

func (s *Subscription) JobID() string { return s.jobID }

// Next waits for the next event. Chunks buffered before the terminal event
// are always returned first.
func (s *Subscription) Next(ctx context.Context, wait time.Duration) (domain.Event, error) {
	if s.held != nil {
		select {
		case event := <-s.events:
			return event, nil
		default:
		}
		event := s.held
		s.held = nil
		return event, nil
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case event := <-s.events:
		return event, nil
	case event := <-s.final:
		select {
		case buffered := <-s.events:
			s.held = event
			return buffered, nil
		default:
			return event, nil
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrKeepAlive
	}
}

func (s *Subscription) deliver(event domain.Event) bool {
	target := s.events
	if event.Terminal() {
		target = s.final
	}
	select {
	case target <- event:
		return true
	default:
		return false
	}
}

// Hub keeps the subscriber set of every observed job. It holds no history:
// a subscriber only sees events published after it subscribed.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	buffer      int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscription]struct{}),
		buffer:      buffer,
	}
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID:  jobID,
		events: make(chan domain.Event, h.buffer),
		final:  make(chan domain.Event, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subscribers[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe is idempotent. The job entry disappears with its last subscriber.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subscribers[sub.jobID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, sub.jobID)
	}
}

// Publish delivers the event to every current subscriber of the job without
// blocking. A chunk is dropped for a subscriber whose buffer is full; the
// next chunk carries the full text anyway.
func (h *Hub) Publish(jobID string, event domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[jobID] {
		sub.deliver(event)
	}
}

func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[jobID])
}

// JobCount returns how many jobs currently have at least one subscriber.
func (h *Hub) JobCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscription) []domain.Event {
	t.Helper()
	events := make([]domain.Event, 0)
	for {
		event, err := sub.Next(context.Background(), 50*time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, ErrKeepAlive)
			return events
		}
		events = append(events, event)
		if event.Terminal() {
			return events
		}
	}
}

func TestHubDeliversSameSequenceToAllSubscribers(t *testing.T) {
	hub := NewHub(8)
	first := hub.Subscribe("job-1")
	second := hub.Subscribe("job-1")
	other := hub.Subscribe("job-2")
	assert.Equal(t, 2, hub.SubscriberCount("job-1"))

	hub.Publish("job-1", domain.ChunkEvent{Text: "a"})
	hub.Publish("job-1", domain.ChunkEvent{Text: "ab"})
	hub.Publish("job-1", domain.DoneEvent{Result: domain.JobResult{Text: "ab"}})

	expected := []domain.Event{
		domain.ChunkEvent{Text: "a"},
		domain.ChunkEvent{Text: "ab"},
		domain.DoneEvent{Result: domain.JobResult{Text: "ab"}},
	}
	assert.Equal(t, expected, drain(t, first))
	assert.Equal(t, expected, drain(t, second))
	assert.Empty(t, drain(t, other))
}

func TestHubUnsubscribeRemovesEmptyEntries(t *testing.T) {
	hub := NewHub(8)
	first := hub.Subscribe("job-1")
	second := hub.Subscribe("job-1")

	hub.Unsubscribe(first)
	assert.Equal(t, 1, hub.SubscriberCount("job-1"))

	hub.Publish("job-1", domain.CancelledEvent{})
	assert.Equal(t, []domain.Event{domain.CancelledEvent{}}, drain(t, second))
	assert.Empty(t, drain(t, first))

	hub.Unsubscribe(second)
	hub.Unsubscribe(second)
	assert.Equal(t, 0, hub.JobCount())
}

func TestHubNeverDropsTerminalForSlowSubscriber(t *testing.T) {
	hub := NewHub(2)
	sub := hub.Subscribe("job-1")

	for i := 1; i <= 10; i++ {
		hub.Publish("job-1", domain.ChunkEvent{Text: string(make([]byte, i))})
	}
	hub.Publish("job-1", domain.ErrorEvent{Message: "boom"})

	events := drain(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventChunk, events[0].Kind())
	assert.Equal(t, domain.EventChunk, events[1].Kind())
	assert.Equal(t, domain.ErrorEvent{Message: "boom"}, events[2])
}

func TestHubLateSubscriberSeesNoHistory(t *testing.T) {
	hub := NewHub(8)
	hub.Publish("job-1", domain.ChunkEvent{Text: "early"})

	sub := hub.Subscribe("job-1")
	hub.Publish("job-1", domain.ChunkEvent{Text: "early late"})

	event, err := sub.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.ChunkEvent{Text: "early late"}, event)
}

func TestSubscriptionNextHonoursContext(t *testing.T) {
	hub := NewHub(8)
	sub := hub.Subscribe("job-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Next(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = sub.Next(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrKeepAlive)
}

type recordingPublisher struct {
	events []domain.Event
}

func (r *recordingPublisher) Publish(_ string, event domain.Event) {
	r.events = append(r.events, event)
}

func TestFanoutPublishesToEveryPublisher(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe("job-1")
	recorder := &recordingPublisher{}

	Fanout{hub, recorder, nil}.Publish("job-1", domain.CancelledEvent{})

	assert.Equal(t, []domain.Event{domain.CancelledEvent{}}, recorder.events)
	assert.Equal(t, []domain.Event{domain.CancelledEvent{}}, drain(t, sub))
}

package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]JobStatus{
		{JobStatusPending, JobStatusRunning},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusPending, JobStatusFailed},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}
	for _, pair := range allowed {
		assert.Truef(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	rejected := [][2]JobStatus{
		{JobStatusPending, JobStatusCompleted},
		{JobStatusRunning, JobStatusPending},
		{JobStatusCompleted, JobStatusRunning},
		{JobStatusFailed, JobStatusCancelled},
		{JobStatusCancelled, JobStatusRunning},
		{JobStatusCancelled, JobStatusCompleted},
	}
	for _, pair := range rejected {
		assert.Falsef(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestTerminalEvent(t *testing.T) {
	_, ok := TerminalEvent(&Job{Status: JobStatusRunning})
	assert.False(t, ok)

	event, ok := TerminalEvent(&Job{Status: JobStatusCompleted, Result: &JobResult{Text: "hello"}})
	assert.True(t, ok)
	assert.Equal(t, DoneEvent{Result: JobResult{Text: "hello"}}, event)

	event, ok = TerminalEvent(&Job{Status: JobStatusFailed, Error: "boom"})
	assert.True(t, ok)
	assert.Equal(t, ErrorEvent{Message: "boom"}, event)

	event, ok = TerminalEvent(&Job{Status: JobStatusFailed})
	assert.True(t, ok)
	assert.Equal(t, ErrorEvent{Message: "Job failed"}, event)

	event, ok = TerminalEvent(&Job{Status: JobStatusCancelled})
	assert.True(t, ok)
	assert.Equal(t, EventCancelled, event.Kind())
	assert.True(t, event.Terminal())
}

func TestCloneDetachesSlicesAndResult(t *testing.T) {
	job := &Job{
		ID:      "job-1",
		Request: JobRequest{ImageURLs: []string{"https://example.com/a.png"}},
		Result:  &JobResult{Text: "x"},
	}
	clone := job.Clone()
	clone.Request.ImageURLs[0] = "changed"
	clone.Result.Text = "y"

	assert.Equal(t, "https://example.com/a.png", job.Request.ImageURLs[0])
	assert.Equal(t, "x", job.Result.Text)
}

func TestEventPayloads(t *testing.T) {
	cases := []struct {
		event Event
		want  string
	}{
		{ChunkEvent{Text: "Once"}, `{"text":"Once"}`},
		{DoneEvent{Result: JobResult{Text: ""}}, `{"result":{"text":""}}`},
		{DoneEvent{Result: JobResult{Text: "done"}}, `{"result":{"text":"done"}}`},
		{DoneEvent{Result: JobResult{ImageID: "img", ImageURL: "/api/images/img"}}, `{"result":{"imageId":"img","imageUrl":"/api/images/img"}}`},
		{ErrorEvent{Message: "boom"}, `{"error":"boom"}`},
		{CancelledEvent{}, `{}`},
	}
	for _, tc := range cases {
		encoded, err := json.Marshal(tc.event)
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(encoded))
	}
}

func TestJobResultDecodesBothKinds(t *testing.T) {
	var text JobResult
	require.NoError(t, json.Unmarshal([]byte(`{"text":""}`), &text))
	assert.Equal(t, JobResult{}, text)

	var image JobResult
	require.NoError(t, json.Unmarshal([]byte(`{"imageId":"i","imageUrl":"/u"}`), &image))
	assert.Equal(t, JobResult{ImageID: "i", ImageURL: "/u"}, image)
}

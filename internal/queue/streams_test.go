package queue

import (
	"testing"
	"time"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamMessageRoundTripsValues(t *testing.T) {
	requestedAt := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	values := streamValues(domain.QueueMessage{
		JobID:       "job-1",
		Type:        domain.JobTypeImage,
		Attempt:     2,
		RequestedAt: requestedAt,
	})

	// Redis hands every field back as a string.
	raw := make(map[string]any, len(values))
	for key, value := range values {
		switch typed := value.(type) {
		case int:
			raw[key] = string(rune('0' + typed))
		default:
			raw[key] = typed
		}
	}

	message, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: raw})
	require.NoError(t, err)
	assert.Equal(t, "job-1", message.JobID)
	assert.Equal(t, domain.JobTypeImage, message.Type)
	assert.Equal(t, 2, message.Attempt)
	assert.True(t, requestedAt.Equal(message.RequestedAt))
}

func TestParseStreamMessageRejectsBrokenEntries(t *testing.T) {
	_, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
		"job_id":       "job-1",
		"type":         "text",
		"attempt":      "x",
		"requested_at": time.Now().UTC().Format(time.RFC3339Nano),
	}})
	assert.Error(t, err)

	_, err = parseStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
		"job_id":       "",
		"type":         "text",
		"attempt":      "0",
		"requested_at": time.Now().UTC().Format(time.RFC3339Nano),
	}})
	assert.Error(t, err)

	_, err = parseStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{"job_id": "job-1"}})
	assert.Error(t, err)
}

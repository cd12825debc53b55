package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

type recordedMessage struct {
	subject string
	data    []byte
}

type fakeConn struct {
	messages []recordedMessage
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, recordedMessage{subject: subject, data: data})
	return nil
}

func TestRelayPublishesEnvelope(t *testing.T) {
	conn := &fakeConn{}
	relay := New(conn, "garden.jobs.", zerolog.Nop())

	relay.Publish("job-1", domain.ChunkEvent{Text: "Once"})
	relay.Publish("job-1", domain.DoneEvent{Result: domain.JobResult{Text: "Once upon"}})
	relay.Publish("job-1", domain.CancelledEvent{})

	require.Len(t, conn.messages, 3)
	assert.Equal(t, "garden.jobs.job-1.chunk", conn.messages[0].subject)
	assert.Equal(t, "garden.jobs.job-1.done", conn.messages[1].subject)
	assert.Equal(t, "garden.jobs.job-1.cancelled", conn.messages[2].subject)

	var decoded struct {
		JobID string          `json:"job_id"`
		Kind  string          `json:"kind"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(conn.messages[1].data, &decoded))
	assert.Equal(t, "job-1", decoded.JobID)
	assert.Equal(t, "done", decoded.Kind)
	assert.JSONEq(t, `{"result":{"text":"Once upon"}}`, string(decoded.Data))

	require.NoError(t, json.Unmarshal(conn.messages[2].data, &decoded))
	assert.JSONEq(t, `{}`, string(decoded.Data))
}

func TestRelayDefaultsPrefixAndSwallowsErrors(t *testing.T) {
	conn := &fakeConn{err: errors.New("disconnected")}
	relay := New(conn, "", zerolog.Nop())

	assert.Equal(t, "garden.jobs.j.error", relay.Subject("j", domain.EventError))
	assert.NotPanics(t, func() {
		relay.Publish("j", domain.ErrorEvent{Message: "boom"})
	})
	relay.Close()
}

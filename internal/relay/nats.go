// Package relay mirrors job events onto NATS so other processes can follow
// generation progress.
package relay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

const DefaultSubjectPrefix = "garden.jobs"

type publisher interface {
	Publish(subject string, data []byte) error
}

type envelope struct {
	JobID string           `json:"job_id"`
	Kind  domain.EventKind `json:"kind"`
	Data  domain.Event     `json:"data"`
	At    time.Time        `json:"at"`
}

// NATSRelay publishes every job event on <prefix>.<jobID>.<kind>. Publish
// failures are logged and never block the executor.
type NATSRelay struct {
	conn   publisher
	prefix string
	logger zerolog.Logger
	close  func()
}

func Connect(url, prefix string, logger zerolog.Logger) (*NATSRelay, error) {
	nc, err := nats.Connect(url,
		nats.Name("diffusion-garden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	relay := New(nc, prefix, logger)
	relay.close = func() { _ = nc.Drain() }
	return relay, nil
}

func New(conn publisher, prefix string, logger zerolog.Logger) *NATSRelay {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{conn: conn, prefix: prefix, logger: logger}
}

func (r *NATSRelay) Subject(jobID string, kind domain.EventKind) string {
	return r.prefix + "." + jobID + "." + string(kind)
}

func (r *NATSRelay) Publish(jobID string, event domain.Event) {
	payload, err := json.Marshal(envelope{
		JobID: jobID,
		Kind:  event.Kind(),
		Data:  event,
		At:    time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("encode relay event")
		return
	}
	if err := r.conn.Publish(r.Subject(jobID, event.Kind()), payload); err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Str("kind", string(event.Kind())).Msg("relay publish failed")
	}
}

func (r *NATSRelay) Close() {
	if r.close != nil {
		r.close()
	}
}

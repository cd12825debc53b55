package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matteosandrin/diffusion-garden/internal/broadcast"
	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

// sseWriter frames events for a text/event-stream response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sse := &sseWriter{w: w, flusher: flusher}
	sse.flush()
	return sse
}

func (s *sseWriter) event(event domain.Event) error {
	name, err := eventName(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) keepAlive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func eventName(event domain.Event) (string, error) {
	switch event.(type) {
	case domain.ChunkEvent:
		return "chunk", nil
	case domain.DoneEvent:
		return "done", nil
	case domain.ErrorEvent:
		return "error", nil
	case domain.CancelledEvent:
		return "cancelled", nil
	default:
		return "", fmt.Errorf("unknown event %T", event)
	}
}

// StreamJob relays the progress of one job as server-sent events. A job that
// already finished gets only its terminal event.
func (api *API) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx := r.Context()
	logger := api.requestLogger(r).With().Str("job_id", jobID).Logger()

	job, err := api.jobs.GetJob(ctx, jobID)
	if err != nil {
		api.writeLookupError(w, r, err, "Job not found")
		return
	}
	if terminal, ok := domain.TerminalEvent(job); ok {
		sse := newSSEWriter(w)
		if err := sse.event(terminal); err != nil {
			logger.Debug().Err(err).Msg("stream write failed")
		}
		return
	}

	sub := api.hub.Subscribe(jobID)
	defer api.hub.Unsubscribe(sub)

	sse := newSSEWriter(w)

	// The job may have finished between the first read and the subscription.
	job, err = api.jobs.GetJob(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("reload job for stream failed")
		_ = sse.event(domain.ErrorEvent{Message: "Job not found"})
		return
	}
	if terminal, ok := domain.TerminalEvent(job); ok {
		_ = sse.event(terminal)
		return
	}

	for {
		event, err := sub.Next(ctx, api.keepAlive)
		if errors.Is(err, broadcast.ErrKeepAlive) {
			if err := sse.keepAlive(); err != nil {
				return
			}
			continue
		}
		if err != nil {
			logger.Debug().Err(err).Msg("stream client went away")
			return
		}
		if err := sse.event(event); err != nil {
			logger.Debug().Err(err).Msg("stream write failed")
			return
		}
		if event.Terminal() {
			return
		}
	}
}

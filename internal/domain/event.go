package domain

type EventKind string

const (
	EventChunk     EventKind = "chunk"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
	EventCancelled EventKind = "cancelled"
)

// Event is a progress notification for one job. The set of implementations
// is closed: ChunkEvent, DoneEvent, ErrorEvent and CancelledEvent. Each
// marshals to its wire payload with encoding/json.
type Event interface {
	Kind() EventKind
	Terminal() bool
	sealed()
}

// ChunkEvent carries the full text produced so far, not a delta.
type ChunkEvent struct {
	Text string `json:"text"`
}

type DoneEvent struct {
	Result JobResult `json:"result"`
}

type ErrorEvent struct {
	Message string `json:"error"`
}

type CancelledEvent struct{}

func (ChunkEvent) Kind() EventKind     { return EventChunk }
func (DoneEvent) Kind() EventKind      { return EventDone }
func (ErrorEvent) Kind() EventKind     { return EventError }
func (CancelledEvent) Kind() EventKind { return EventCancelled }

func (ChunkEvent) Terminal() bool     { return false }
func (DoneEvent) Terminal() bool      { return true }
func (ErrorEvent) Terminal() bool     { return true }
func (CancelledEvent) Terminal() bool { return true }

func (ChunkEvent) sealed()     {}
func (DoneEvent) sealed()      {}
func (ErrorEvent) sealed()     {}
func (CancelledEvent) sealed() {}

const defaultFailureMessage = "Job failed"

// TerminalEvent rebuilds the terminal event of a finished job from its
// persisted state. It returns false while the job is still pending or running.
func TerminalEvent(job *Job) (Event, bool) {
	if job == nil {
		return nil, false
	}
	switch job.Status {
	case JobStatusCompleted:
		var result JobResult
		if job.Result != nil {
			result = *job.Result
		}
		return DoneEvent{Result: result}, true
	case JobStatusFailed:
		message := job.Error
		if message == "" {
			message = defaultFailureMessage
		}
		return ErrorEvent{Message: message}, true
	case JobStatusCancelled:
		return CancelledEvent{}, true
	default:
		return nil, false
	}
}

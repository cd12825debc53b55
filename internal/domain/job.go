package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeText  JobType = "text"
	JobTypeImage JobType = "image"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsCancellable reports whether a cancel request is accepted for the status.
func (s JobStatus) IsCancellable() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// JobRequest carries the caller supplied parameters of a generation job.
type JobRequest struct {
	Prompt      string   `json:"prompt"`
	Input       string   `json:"input,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`
	Model       string   `json:"model"`
	IsVariation bool     `json:"is_variation,omitempty"`
}

// JobResult is present only on completed jobs. Text jobs fill Text, image
// jobs fill ImageID and ImageURL.
type JobResult struct {
	Text     string `json:"text,omitempty"`
	ImageID  string `json:"imageId,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// MarshalJSON writes the fields of the result's kind only. A text result
// keeps its text key even when the generated text is empty.
func (r JobResult) MarshalJSON() ([]byte, error) {
	if r.ImageID != "" || r.ImageURL != "" {
		return json.Marshal(struct {
			ImageID  string `json:"imageId"`
			ImageURL string `json:"imageUrl"`
		}{r.ImageID, r.ImageURL})
	}
	return json.Marshal(struct {
		Text string `json:"text"`
	}{r.Text})
}

// Job is the durable unit of generative work.
type Job struct {
	ID        string
	Type      JobType
	Status    JobStatus
	BlockID   string
	Request   JobRequest
	Result    *JobResult
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Request.ImageURLs = append([]string(nil), j.Request.ImageURLs...)
	if j.Result != nil {
		result := *j.Result
		clone.Result = &result
	}
	return &clone
}

// QueueMessage is the transport format sent to queue backends. Only the job
// id is authoritative; the executor reloads everything else from the store.
type QueueMessage struct {
	JobID       string    `json:"job_id"`
	Type        JobType   `json:"type"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

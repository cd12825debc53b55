package domain

import "time"

const (
	ImageSourceGenerated = "generated"
	ImageSourceUpload    = "upload"
)

// Image describes a stored image blob produced by an image job.
type Image struct {
	ID          string
	Filename    string
	ContentType string
	Source      string
	Prompt      string
	URL         string
	Width       int
	Height      int
	SizeBytes   int64
	CreatedAt   time.Time
}

const (
	UsageTextJob  = "text_job"
	UsageImageJob = "image_job"
)

// UsageRecord is one provider call worth of token accounting.
type UsageRecord struct {
	RequestType  string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CreatedAt    time.Time
}

type DailyUsage struct {
	Date         string `json:"date"`
	RequestType  string `json:"request_type"`
	RequestCount int    `json:"request_count"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

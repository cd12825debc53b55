package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrProviderUnavailable = errors.New("generation provider not configured")
	ErrNoImageProduced     = errors.New("No image generated in response")
	ErrUnsupportedModel    = errors.New("unsupported model")
)

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// TextRequest is a streaming text generation call. Prompt is the
// instruction, Input the optional material it applies to.
type TextRequest struct {
	Model     string
	Prompt    string
	Input     string
	ImageURLs []string
}

// TextPart is one element of a text stream: either a fragment of output or,
// as the last element, the usage of the whole call.
type TextPart struct {
	Text  string
	Usage *TokenUsage
}

// TextStream is a lazy sequence of parts. Next advances it and returns false
// at the end or on error; Err reports the error afterwards.
type TextStream interface {
	Next() bool
	Current() TextPart
	Err() error
	Close() error
}

type TextGenerator interface {
	StreamText(ctx context.Context, request TextRequest) (TextStream, error)
}

type ImageRequest struct {
	Model     string
	Prompt    string
	Input     string
	ImageURLs []string
	Seed      *int64
}

type ImageResult struct {
	Data     []byte
	MimeType string
	Usage    TokenUsage
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, request ImageRequest) (ImageResult, error)
}

// ProviderError is a non-2xx answer from a provider HTTP API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func isRetryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *ProviderError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

// sliceStream replays fixed parts.
type sliceStream struct {
	parts []TextPart
	index int
	err   error
}

// NewSliceStream returns a TextStream over parts that ends with err.
func NewSliceStream(parts []TextPart, err error) TextStream {
	return &sliceStream{parts: parts, index: -1, err: err}
}

func (s *sliceStream) Next() bool {
	if s.index+1 >= len(s.parts) {
		s.index = len(s.parts)
		return false
	}
	s.index++
	return true
}

func (s *sliceStream) Current() TextPart {
	if s.index < 0 || s.index >= len(s.parts) {
		return TextPart{}
	}
	return s.parts[s.index]
}

func (s *sliceStream) Err() error {
	if s.index >= len(s.parts) {
		return s.err
	}
	return nil
}

func (s *sliceStream) Close() error { return nil }

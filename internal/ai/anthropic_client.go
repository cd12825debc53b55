package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

type AnthropicClientConfig struct {
	APIKey     string
	MaxTokens  int64
	Timeout    time.Duration
	MaxRetries int
	References *ReferenceFetcher
}

// AnthropicClient streams Claude messages through the official SDK.
type AnthropicClient struct {
	client     anthropic.Client
	available  bool
	maxTokens  int64
	references *ReferenceFetcher
}

func NewAnthropicClient(config AnthropicClientConfig) *AnthropicClient {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 8192
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.References == nil {
		config.References = NewReferenceFetcher("", nil)
	}

	return &AnthropicClient{
		client: anthropic.NewClient(
			option.WithAPIKey(strings.TrimSpace(config.APIKey)),
			option.WithMaxRetries(config.MaxRetries),
			option.WithRequestTimeout(config.Timeout),
		),
		available:  strings.TrimSpace(config.APIKey) != "",
		maxTokens:  config.MaxTokens,
		references: config.References,
	}
}

func (c *AnthropicClient) Available() bool {
	return c.available
}

func (c *AnthropicClient) StreamText(ctx context.Context, request TextRequest) (TextStream, error) {
	if !c.Available() {
		return nil, fmt.Errorf("anthropic: %w", ErrProviderUnavailable)
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(request.ImageURLs)+1)
	if len(request.ImageURLs) > 0 {
		images, err := c.references.FetchAll(ctx, request.ImageURLs)
		if err != nil {
			return nil, err
		}
		for _, image := range images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(image.MimeType, image.Base64()))
		}
	}
	input := strings.TrimSpace(request.Input)
	if input == "" {
		// Messages require a user turn; the prompt alone drives generation.
		input = request.Prompt
	}
	blocks = append(blocks, anthropic.NewTextBlock(input))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: request.Prompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
	return &anthropicStream{stream: c.client.Messages.NewStreaming(ctx, params)}, nil
}

type anthropicStream struct {
	stream       *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current      TextPart
	usage        TokenUsage
	sawUsage     bool
	usageEmitted bool
}

func (s *anthropicStream) Next() bool {
	for s.stream.Next() {
		event := s.stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.usage.InputTokens = int(variant.Message.Usage.InputTokens)
			s.sawUsage = true
		case anthropic.MessageDeltaEvent:
			s.usage.OutputTokens = int(variant.Usage.OutputTokens)
			s.sawUsage = true
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				s.current = TextPart{Text: delta.Text}
				return true
			}
		}
	}

	if s.stream.Err() == nil && s.sawUsage && !s.usageEmitted {
		s.usageEmitted = true
		usage := s.usage
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		s.current = TextPart{Usage: &usage}
		return true
	}
	return false
}

func (s *anthropicStream) Current() TextPart { return s.current }

func (s *anthropicStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (s *anthropicStream) Close() error { return s.stream.Close() }

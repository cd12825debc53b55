package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

type OpenAIClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	References *ReferenceFetcher
}

// OpenAIClient streams chat completions through the official SDK.
type OpenAIClient struct {
	client     openai.Client
	available  bool
	references *ReferenceFetcher
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.References == nil {
		config.References = NewReferenceFetcher("", nil)
	}

	options := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(config.APIKey)),
		option.WithMaxRetries(config.MaxRetries),
		option.WithRequestTimeout(config.Timeout),
	}
	if baseURL := strings.TrimSpace(config.BaseURL); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client:     openai.NewClient(options...),
		available:  strings.TrimSpace(config.APIKey) != "",
		references: config.References,
	}
}

func (c *OpenAIClient) Available() bool {
	return c.available
}

func (c *OpenAIClient) StreamText(ctx context.Context, request TextRequest) (TextStream, error) {
	if !c.Available() {
		return nil, fmt.Errorf("openai: %w", ErrProviderUnavailable)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(request.Prompt),
	}
	user, err := c.userMessage(ctx, request)
	if err != nil {
		return nil, err
	}
	if user != nil {
		messages = append(messages, *user)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	return &openAIStream{stream: c.client.Chat.Completions.NewStreaming(ctx, params)}, nil
}

func (c *OpenAIClient) userMessage(ctx context.Context, request TextRequest) (*openai.ChatCompletionMessageParamUnion, error) {
	input := strings.TrimSpace(request.Input)
	if len(request.ImageURLs) == 0 {
		if input == "" {
			return nil, nil
		}
		message := openai.UserMessage(input)
		return &message, nil
	}

	images, err := c.references.FetchAll(ctx, request.ImageURLs)
	if err != nil {
		return nil, err
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(images)+1)
	if input != "" {
		parts = append(parts, openai.TextContentPart(input))
	}
	for _, image := range images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: image.DataURL(),
		}))
	}
	message := openai.UserMessage(parts)
	return &message, nil
}

type openAIStream struct {
	stream       *ssestream.Stream[openai.ChatCompletionChunk]
	current      TextPart
	usage        *TokenUsage
	usageEmitted bool
}

func (s *openAIStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			s.usage = &TokenUsage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
		}

		var text strings.Builder
		for _, choice := range chunk.Choices {
			text.WriteString(choice.Delta.Content)
		}
		if text.Len() > 0 {
			s.current = TextPart{Text: text.String()}
			return true
		}
	}

	if s.stream.Err() == nil && s.usage != nil && !s.usageEmitted {
		s.usageEmitted = true
		s.current = TextPart{Usage: s.usage}
		return true
	}
	return false
}

func (s *openAIStream) Current() TextPart { return s.current }

func (s *openAIStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

func (s *openAIStream) Close() error { return s.stream.Close() }

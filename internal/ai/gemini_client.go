package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type GeminiClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	References *ReferenceFetcher
}

// GeminiClient generates images with the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	references *ReferenceFetcher
}

func NewGeminiClient(config GeminiClientConfig) *GeminiClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.References == nil {
		config.References = NewReferenceFetcher("", config.HTTPClient)
	}

	return &GeminiClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		references: config.References,
	}
}

func (c *GeminiClient) Available() bool {
	return c.apiKey != ""
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
	Seed               *int32   `json:"seed,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerateContentResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *GeminiClient) GenerateImage(ctx context.Context, request ImageRequest) (ImageResult, error) {
	if !c.Available() {
		return ImageResult{}, fmt.Errorf("gemini: %w", ErrProviderUnavailable)
	}
	if strings.TrimSpace(request.Model) == "" {
		return ImageResult{}, errors.New("model is required")
	}

	text := strings.TrimSpace(request.Prompt)
	if input := strings.TrimSpace(request.Input); input != "" {
		text += "\n\n" + input
	}
	parts := []geminiPart{{Text: text}}

	references, err := c.references.FetchAll(ctx, request.ImageURLs)
	if err != nil {
		return ImageResult{}, err
	}
	for _, reference := range references {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: reference.MimeType,
			Data:     reference.Base64(),
		}})
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	}
	if request.Seed != nil {
		seed := int32(*request.Seed)
		payload.GenerationConfig.Seed = &seed
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return ImageResult{}, fmt.Errorf("marshal gemini payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, callErr := c.callGenerateContent(ctx, request.Model, encoded)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		if !isRetryableProviderError(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ImageResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown gemini error")
	}
	return ImageResult{}, lastErr
}

func (c *GeminiClient) callGenerateContent(ctx context.Context, model string, payload []byte) (ImageResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return ImageResult{}, fmt.Errorf("create gemini request: %w", err)
	}
	httpRequest.Header.Set("x-goog-api-key", c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return ImageResult{}, fmt.Errorf("gemini timeout: %w", err)
		}
		return ImageResult{}, fmt.Errorf("gemini transport error: %w", err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return ImageResult{}, fmt.Errorf("read gemini body: %w", err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return ImageResult{}, &ProviderError{
			Provider:   "gemini",
			StatusCode: httpResponse.StatusCode,
			Message:    message,
		}
	}

	var raw geminiGenerateContentResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return ImageResult{}, fmt.Errorf("decode gemini response: %w", err)
	}
	return extractGeminiImage(raw)
}

func extractGeminiImage(response geminiGenerateContentResponse) (ImageResult, error) {
	if len(response.Candidates) == 0 {
		if reason := response.PromptFeedback.BlockReason; reason != "" {
			return ImageResult{}, fmt.Errorf("%w: prompt blocked (%s)", ErrNoImageProduced, reason)
		}
		return ImageResult{}, ErrNoImageProduced
	}

	for _, part := range response.Candidates[0].Content.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			continue
		}
		mimeType := part.InlineData.MimeType
		if mimeType == "" {
			mimeType = "image/png"
		}
		return ImageResult{
			Data:     data,
			MimeType: mimeType,
			Usage: TokenUsage{
				InputTokens:  response.UsageMetadata.PromptTokenCount,
				OutputTokens: response.UsageMetadata.CandidatesTokenCount,
				TotalTokens:  response.UsageMetadata.TotalTokenCount,
			},
		}, nil
	}
	return ImageResult{}, ErrNoImageProduced
}

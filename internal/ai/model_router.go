package ai

import (
	"context"
	"fmt"
	"strings"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

var (
	DefaultTextModels  = []string{"gpt-5.1", "gpt-4o", "gpt-4o-mini", "claude-sonnet-4-5", "claude-haiku-4-5"}
	DefaultImageModels = []string{"gemini-3-pro-image-preview", "gemini-2.5-flash-image"}
)

type ModelRouterConfig struct {
	DefaultTextModel  string
	DefaultImageModel string
	TextModels        []string
	ImageModels       []string
}

// Providers groups the concrete clients the router dispatches to. Any of
// them may be nil when the matching API key is not configured.
type Providers struct {
	OpenAI    TextGenerator
	Anthropic TextGenerator
	Gemini    ImageGenerator
}

// ModelRouter validates model names and dispatches calls to the provider
// serving each model.
type ModelRouter struct {
	config    ModelRouterConfig
	providers Providers
}

func NewModelRouter(config ModelRouterConfig, providers Providers) *ModelRouter {
	config.TextModels = normalizeModels(config.TextModels)
	if len(config.TextModels) == 0 {
		config.TextModels = append([]string(nil), DefaultTextModels...)
	}
	config.ImageModels = normalizeModels(config.ImageModels)
	if len(config.ImageModels) == 0 {
		config.ImageModels = append([]string(nil), DefaultImageModels...)
	}
	if strings.TrimSpace(config.DefaultTextModel) == "" {
		config.DefaultTextModel = "gpt-4o"
	}
	if strings.TrimSpace(config.DefaultImageModel) == "" {
		config.DefaultImageModel = "gemini-3-pro-image-preview"
	}
	return &ModelRouter{config: config, providers: providers}
}

func (r *ModelRouter) DefaultTextModel() string  { return r.config.DefaultTextModel }
func (r *ModelRouter) DefaultImageModel() string { return r.config.DefaultImageModel }

func (r *ModelRouter) TextModels() []string {
	return append([]string(nil), r.config.TextModels...)
}

func (r *ModelRouter) ImageModels() []string {
	return append([]string(nil), r.config.ImageModels...)
}

// ResolveTextModel returns the model to use for a text job, the default when
// model is empty.
func (r *ModelRouter) ResolveTextModel(model string) (string, error) {
	return resolveModel(model, r.config.DefaultTextModel, r.config.TextModels)
}

func (r *ModelRouter) ResolveImageModel(model string) (string, error) {
	return resolveModel(model, r.config.DefaultImageModel, r.config.ImageModels)
}

func (r *ModelRouter) StreamText(ctx context.Context, request TextRequest) (TextStream, error) {
	var provider TextGenerator
	switch ProviderForModel(request.Model) {
	case ProviderAnthropic:
		provider = r.providers.Anthropic
	case ProviderOpenAI:
		provider = r.providers.OpenAI
	}
	if provider == nil {
		return nil, fmt.Errorf("text model %s: %w", request.Model, ErrProviderUnavailable)
	}
	return provider.StreamText(ctx, request)
}

func (r *ModelRouter) GenerateImage(ctx context.Context, request ImageRequest) (ImageResult, error) {
	if ProviderForModel(request.Model) != ProviderGemini || r.providers.Gemini == nil {
		return ImageResult{}, fmt.Errorf("image model %s: %w", request.Model, ErrProviderUnavailable)
	}
	return r.providers.Gemini.GenerateImage(ctx, request)
}

// ProviderForModel maps a model name to the provider family serving it.
func ProviderForModel(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(normalized, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(normalized, "gemini"):
		return ProviderGemini
	default:
		return ProviderOpenAI
	}
}

func resolveModel(model, fallback string, allowed []string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return fallback, nil
	}
	for _, candidate := range allowed {
		if candidate == model {
			return model, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
}

func normalizeModels(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		if value := strings.TrimSpace(raw); value != "" {
			result = append(result, value)
		}
	}
	return result
}

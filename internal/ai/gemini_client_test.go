package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiImageBody(data []byte) string {
	return `{
		"candidates":[{"content":{"parts":[
			{"text":"here you go"},
			{"inlineData":{"mimeType":"image/jpeg","data":"` + base64.StdEncoding.EncodeToString(data) + `"}}
		]}}],
		"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":1290,"totalTokenCount":1302}
	}`
}

func TestGeminiClientGenerateImageSuccess(t *testing.T) {
	var received geminiGenerateContentRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-3-pro-image-preview:generateContent" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(geminiImageBody([]byte("jpeg-bytes"))))
	}))
	defer server.Close()

	client := NewGeminiClient(GeminiClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Timeout: 2 * time.Second,
	})

	seed := int64(42)
	result, err := client.GenerateImage(context.Background(), ImageRequest{
		Model:  "gemini-3-pro-image-preview",
		Prompt: "a lighthouse",
		Input:  "at dusk",
		Seed:   &seed,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), result.Data)
	assert.Equal(t, "image/jpeg", result.MimeType)
	assert.Equal(t, 1302, result.Usage.TotalTokens)

	require.Len(t, received.Contents, 1)
	assert.Equal(t, "a lighthouse\n\nat dusk", received.Contents[0].Parts[0].Text)
	assert.Equal(t, []string{"IMAGE"}, received.GenerationConfig.ResponseModalities)
	require.NotNil(t, received.GenerationConfig.Seed)
	assert.Equal(t, int32(42), *received.GenerationConfig.Seed)
}

func TestGeminiClientInlinesReferenceImages(t *testing.T) {
	var received geminiGenerateContentRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images/ref-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	})
	mux.HandleFunc("/models/gemini-2.5-flash-image:generateContent", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_, _ = w.Write([]byte(geminiImageBody([]byte("out"))))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewGeminiClient(GeminiClientConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		References: NewReferenceFetcher(server.URL, nil),
	})

	_, err := client.GenerateImage(context.Background(), ImageRequest{
		Model:     "gemini-2.5-flash-image",
		Prompt:    "same style",
		ImageURLs: []string{"/api/images/ref-1"},
	})
	require.NoError(t, err)
	require.Len(t, received.Contents[0].Parts, 2)
	inline := received.Contents[0].Parts[1].InlineData
	require.NotNil(t, inline)
	assert.Equal(t, "image/png", inline.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), inline.Data)
	assert.Nil(t, received.GenerationConfig.Seed)
}

func TestGeminiClientNoImageProduced(t *testing.T) {
	bodies := []string{
		`{"candidates":[]}`,
		`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`,
		`{"candidates":[{"content":{"parts":[{"text":"I cannot draw that"}]}}]}`,
	}
	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))

		client := NewGeminiClient(GeminiClientConfig{APIKey: "k", BaseURL: server.URL})
		_, err := client.GenerateImage(context.Background(), ImageRequest{Model: "gemini-3-pro-image-preview", Prompt: "x"})
		assert.ErrorIs(t, err, ErrNoImageProduced, body)
		server.Close()
	}
}

func TestGeminiClientRetriesOnRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(geminiImageBody([]byte("ok"))))
	}))
	defer server.Close()

	client := NewGeminiClient(GeminiClientConfig{APIKey: "k", BaseURL: server.URL, MaxRetries: 1})
	result, err := client.GenerateImage(context.Background(), ImageRequest{Model: "gemini-3-pro-image-preview", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result.Data)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGeminiClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad prompt"}`))
	}))
	defer server.Close()

	client := NewGeminiClient(GeminiClientConfig{APIKey: "k", BaseURL: server.URL, MaxRetries: 3})
	_, err := client.GenerateImage(context.Background(), ImageRequest{Model: "gemini-3-pro-image-preview", Prompt: "x"})

	var providerErr *ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, http.StatusBadRequest, providerErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGeminiClientUnavailableWithoutKey(t *testing.T) {
	client := NewGeminiClient(GeminiClientConfig{})
	_, err := client.GenerateImage(context.Background(), ImageRequest{Model: "gemini-3-pro-image-preview"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestReferenceFetcherDecodesDataURL(t *testing.T) {
	fetcher := NewReferenceFetcher("", nil)
	image, err := fetcher.Fetch(context.Background(), "data:image/webp;base64,"+base64.StdEncoding.EncodeToString([]byte("webp")))
	require.NoError(t, err)
	assert.Equal(t, "image/webp", image.MimeType)
	assert.Equal(t, []byte("webp"), image.Data)

	_, err = fetcher.Fetch(context.Background(), "/api/images/x")
	assert.Error(t, err, "relative url needs a base")
}

package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxReferenceBytes = 20 << 20

// ReferenceImage is a reference image loaded for a provider call.
type ReferenceImage struct {
	Data     []byte
	MimeType string
}

func (r ReferenceImage) Base64() string {
	return base64.StdEncoding.EncodeToString(r.Data)
}

func (r ReferenceImage) DataURL() string {
	return "data:" + r.MimeType + ";base64," + r.Base64()
}

// ReferenceFetcher loads the images referenced by a job. Relative URLs such
// as /api/images/{id} are resolved against the service's public base URL.
type ReferenceFetcher struct {
	baseURL    *url.URL
	httpClient *http.Client
	maxBytes   int64
}

func NewReferenceFetcher(publicBaseURL string, httpClient *http.Client) *ReferenceFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	fetcher := &ReferenceFetcher{httpClient: httpClient, maxBytes: defaultMaxReferenceBytes}
	if parsed, err := url.Parse(strings.TrimSpace(publicBaseURL)); err == nil && parsed.Host != "" {
		fetcher.baseURL = parsed
	}
	return fetcher
}

func (f *ReferenceFetcher) FetchAll(ctx context.Context, rawURLs []string) ([]ReferenceImage, error) {
	images := make([]ReferenceImage, 0, len(rawURLs))
	for _, rawURL := range rawURLs {
		image, err := f.Fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

func (f *ReferenceFetcher) Fetch(ctx context.Context, rawURL string) (ReferenceImage, error) {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL)
	}

	target, err := f.resolve(rawURL)
	if err != nil {
		return ReferenceImage{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ReferenceImage{}, fmt.Errorf("create reference request: %w", err)
	}
	response, err := f.httpClient.Do(request)
	if err != nil {
		return ReferenceImage{}, fmt.Errorf("fetch reference image: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return ReferenceImage{}, &ProviderError{
			Provider:   "reference",
			StatusCode: response.StatusCode,
			Message:    "cannot load " + target,
		}
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, f.maxBytes+1))
	if err != nil {
		return ReferenceImage{}, fmt.Errorf("read reference image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return ReferenceImage{}, fmt.Errorf("reference image %s exceeds %d bytes", target, f.maxBytes)
	}

	mimeType := strings.TrimSpace(strings.Split(response.Header.Get("Content-Type"), ";")[0])
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return ReferenceImage{Data: data, MimeType: mimeType}, nil
}

func (f *ReferenceFetcher) resolve(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid reference url %q: %w", rawURL, err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	if f.baseURL == nil {
		return "", fmt.Errorf("relative reference url %q without public base url", rawURL)
	}
	return f.baseURL.ResolveReference(parsed).String(), nil
}

func decodeDataURL(rawURL string) (ReferenceImage, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return ReferenceImage{}, errors.New("unsupported data url")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ReferenceImage{}, fmt.Errorf("decode data url: %w", err)
	}
	mimeType := strings.TrimSuffix(header, ";base64")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return ReferenceImage{Data: data, MimeType: mimeType}, nil
}

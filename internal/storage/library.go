package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
	"github.com/matteosandrin/diffusion-garden/internal/repository"
)

var ErrInvalidImage = errors.New("storage: invalid image data")

var extensionsByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

// ExtensionForMime returns the file extension stored for a mime type,
// ".png" when unknown.
func ExtensionForMime(mimeType string) string {
	if ext, ok := extensionsByMime[normalizeMime(mimeType)]; ok {
		return ext
	}
	return ".png"
}

// Library stores generated images and records them in the images table.
type Library struct {
	blobs  BlobStore
	images repository.ImagesRepository
	newID  func() string
	now    func() time.Time
}

func NewLibrary(blobs BlobStore, images repository.ImagesRepository) *Library {
	return &Library{
		blobs:  blobs,
		images: images,
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store persists a generated image and returns the record with the URL
// clients use to fetch it.
func (l *Library) Store(ctx context.Context, data []byte, mimeType, prompt string) (*domain.Image, error) {
	return l.store(ctx, data, mimeType, prompt, domain.ImageSourceGenerated)
}

// Upload persists a user supplied reference image.
func (l *Library) Upload(ctx context.Context, data []byte, mimeType string) (*domain.Image, error) {
	return l.store(ctx, data, mimeType, "", domain.ImageSourceUpload)
}

func (l *Library) store(ctx context.Context, data []byte, mimeType, prompt, source string) (*domain.Image, error) {
	if len(data) == 0 {
		return nil, ErrInvalidImage
	}
	mimeType = normalizeMime(mimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMime(http.DetectContentType(data))
	}

	width, height := 0, 0
	if mimeType != "image/webp" {
		rect, err := decodeImage(data)
		if err != nil {
			return nil, err
		}
		width, height = rect.Dx(), rect.Dy()
	}

	id := l.newID()
	key, err := l.blobs.Put(ctx, id+ExtensionForMime(mimeType), data, mimeType)
	if err != nil {
		return nil, err
	}

	url := l.blobs.PublicURL(key)
	if url == "" {
		url = "/api/images/" + id
	}
	record := &domain.Image{
		ID:          id,
		Filename:    key,
		ContentType: mimeType,
		Source:      source,
		Prompt:      prompt,
		URL:         url,
		Width:       width,
		Height:      height,
		SizeBytes:   int64(len(data)),
		CreatedAt:   l.now(),
	}
	if err := l.images.CreateImage(ctx, record); err != nil {
		return nil, fmt.Errorf("record image: %w", err)
	}
	return record, nil
}

func (l *Library) Get(ctx context.Context, imageID string) (*domain.Image, error) {
	return l.images.GetImage(ctx, imageID)
}

// Open returns the image record and a reader over its bytes.
func (l *Library) Open(ctx context.Context, imageID string) (*domain.Image, io.ReadCloser, error) {
	record, err := l.images.GetImage(ctx, imageID)
	if err != nil {
		return nil, nil, err
	}
	body, err := l.blobs.Open(ctx, record.Filename)
	if err != nil {
		return nil, nil, err
	}
	return record, body, nil
}

func decodeImage(data []byte) (image.Rectangle, error) {
	decoded, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return image.Rectangle{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return decoded.Bounds(), nil
}

func normalizeMime(value string) string {
	value = strings.ToLower(strings.TrimSpace(strings.Split(value, ";")[0]))
	return value
}

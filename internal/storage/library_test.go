package storage

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteosandrin/diffusion-garden/internal/repository"
)

func encodedImage(t *testing.T, format imaging.Format, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(width, height, color.NRGBA{R: 40, G: 160, B: 90, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, format))
	return buf.Bytes()
}

func TestLibraryStoresImageOnFilesystem(t *testing.T) {
	ctx := context.Background()
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	library := NewLibrary(blobs, store)
	library.newID = func() string { return "img-1" }

	data := encodedImage(t, imaging.JPEG, 32, 16)
	record, err := library.Store(ctx, data, "image/jpeg", "a fern")
	require.NoError(t, err)

	assert.Equal(t, "img-1", record.ID)
	assert.Equal(t, "img-1.jpg", record.Filename)
	assert.Equal(t, "/api/images/img-1", record.URL)
	assert.Equal(t, 32, record.Width)
	assert.Equal(t, 16, record.Height)
	assert.Equal(t, int64(len(data)), record.SizeBytes)

	stored, body, err := library.Open(ctx, "img-1")
	require.NoError(t, err)
	defer body.Close()
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/jpeg", stored.ContentType)
	assert.Equal(t, "a fern", stored.Prompt)
}

func TestLibraryDetectsMissingMimeType(t *testing.T) {
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	library := NewLibrary(blobs, repository.NewMemoryStore())

	record, err := library.Store(context.Background(), encodedImage(t, imaging.PNG, 4, 4), "", "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", record.ContentType)
	assert.Contains(t, record.Filename, ".png")
}

func TestLibraryRejectsGarbage(t *testing.T) {
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	library := NewLibrary(blobs, repository.NewMemoryStore())

	_, err = library.Store(context.Background(), []byte("not an image"), "image/png", "")
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = library.Store(context.Background(), nil, "image/png", "")
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestLibraryOpenUnknownImage(t *testing.T) {
	blobs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	library := NewLibrary(blobs, repository.NewMemoryStore())

	_, _, err = library.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExtensionForMime(t *testing.T) {
	cases := map[string]string{
		"image/png":                ".png",
		"image/jpeg":               ".jpg",
		"IMAGE/GIF":                ".gif",
		"image/webp":               ".webp",
		"image/bmp":                ".bmp",
		"image/tiff":               ".tiff",
		"image/png; charset=utf-8": ".png",
		"application/x-unknown":    ".png",
	}
	for mimeType, want := range cases {
		assert.Equal(t, want, ExtensionForMime(mimeType), mimeType)
	}
}

func TestSanitizeKey(t *testing.T) {
	key, err := sanitizeKey("./a/../b/c.png")
	require.NoError(t, err)
	assert.Equal(t, "b/c.png", key)

	for _, bad := range []string{"", "..", "../etc/passwd", "a/../../x"} {
		_, err := sanitizeKey(bad)
		assert.Error(t, err, bad)
	}
}

type fakeObjects struct {
	objects map[string][]byte
	input   *s3.PutObjectInput
}

func (f *fakeObjects) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = data
	f.input = params
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, errors.New("boom")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestLibraryUsesR2PublicURL(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{}}
	blobs := newR2Store(objects, R2Config{Bucket: "garden", PublicURL: "https://cdn.example.com/"})
	library := NewLibrary(blobs, repository.NewMemoryStore())
	library.newID = func() string { return "r2-img" }

	record, err := library.Store(context.Background(), []byte("RIFF....WEBPVP8 "), "image/webp", "")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/r2-img.webp", record.URL)
	assert.Zero(t, record.Width)
	require.NotNil(t, objects.input)
	assert.Equal(t, "garden", aws.ToString(objects.input.Bucket))
	assert.Equal(t, "image/webp", aws.ToString(objects.input.ContentType))
	assert.Equal(t, imageCacheControl, aws.ToString(objects.input.CacheControl))

	_, body, err := library.Open(context.Background(), "r2-img")
	require.NoError(t, err)
	body.Close()
}

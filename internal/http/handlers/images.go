package handlers

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/matteosandrin/diffusion-garden/internal/storage"
)

const (
	maxUploadBytes    = 10 << 20
	imageCacheControl = "public, max-age=31536000, immutable"
)

var uploadContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

type uploadImageResponse struct {
	ImageID  string `json:"imageId"`
	ImageURL string `json:"imageUrl"`
}

// GetImage serves a stored image. Images living in a public bucket are
// redirected to instead of proxied.
func (api *API) GetImage(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")
	imageID = strings.TrimSuffix(imageID, path.Ext(imageID))

	record, err := api.images.Get(r.Context(), imageID)
	if err != nil {
		api.writeLookupError(w, r, err, "Image not found")
		return
	}
	if strings.HasPrefix(record.URL, "http://") || strings.HasPrefix(record.URL, "https://") {
		http.Redirect(w, r, record.URL, http.StatusFound)
		return
	}

	_, body, err := api.images.Open(r.Context(), imageID)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "Image not found")
			return
		}
		api.writeLookupError(w, r, err, "Image not found")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", record.ContentType)
	w.Header().Set("Cache-Control", imageCacheControl)
	if record.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		api.requestLogger(r).Debug().Err(err).Str("image_id", imageID).Msg("image copy interrupted")
	}
}

func (api *API) UploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !uploadContentTypes[contentType] {
		writeError(w, r, http.StatusBadRequest, "invalid_request",
			"Invalid file type. Allowed types: image/jpeg, image/png, image/gif, image/webp")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read file")
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "File too large. Maximum size: 10MB")
		return
	}

	record, err := api.images.Upload(r.Context(), data, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidImage) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "file is not a valid image")
			return
		}
		api.requestLogger(r).Error().Err(err).Msg("image upload failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to store image")
		return
	}

	writeJSON(w, http.StatusOK, uploadImageResponse{ImageID: record.ID, ImageURL: record.URL})
}

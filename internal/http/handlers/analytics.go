package handlers

import (
	"net/http"

	"github.com/matteosandrin/diffusion-garden/internal/domain"
)

type dailyAnalyticsResponse struct {
	Stats []domain.DailyUsage `json:"stats"`
}

type settingsResponse struct {
	DefaultTextModel  string         `json:"defaultTextModel"`
	DefaultImageModel string         `json:"defaultImageModel"`
	TextModels        []string       `json:"textModels"`
	ImageModels       []string       `json:"imageModels"`
	APIKeyStatus      ProviderStatus `json:"apiKeyStatus"`
}

func (api *API) DailyAnalytics(w http.ResponseWriter, r *http.Request) {
	stats, err := api.usage.DailyUsage(r.Context())
	if err != nil {
		api.requestLogger(r).Error().Err(err).Msg("daily usage query failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load analytics")
		return
	}
	if stats == nil {
		stats = []domain.DailyUsage{}
	}
	writeJSON(w, http.StatusOK, dailyAnalyticsResponse{Stats: stats})
}

func (api *API) Settings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsResponse{
		DefaultTextModel:  api.models.DefaultTextModel(),
		DefaultImageModel: api.models.DefaultImageModel(),
		TextModels:        api.models.TextModels(),
		ImageModels:       api.models.ImageModels(),
		APIKeyStatus:      api.providers,
	})
}

func (api *API) APIKeyStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.providers)
}

package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/matteosandrin/diffusion-garden/internal/http/handlers"
	"github.com/matteosandrin/diffusion-garden/internal/http/middleware"
)

const uploadsPerMinute = 30

type RouterDependencies struct {
	API                *handlers.API
	Logger             zerolog.Logger
	AuthToken          string
	CORSOrigins        []string
	RateLimitPerMinute int
}

func NewRouter(deps RouterDependencies) http.Handler {
	jobLimiter := middleware.NewRateLimiter(deps.RateLimitPerMinute)
	uploadLimiter := middleware.NewRateLimiter(uploadsPerMinute)
	api := deps.API

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
	}))
	r.Use(middleware.Auth(deps.AuthToken))

	r.Get("/health", api.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.With(jobLimiter.Middleware).Post("/generate-text", api.GenerateText)
			r.With(jobLimiter.Middleware).Post("/generate-image", api.GenerateImage)
			r.Get("/block/{blockID}", api.ListBlockJobs)
			r.Get("/{jobID}", api.GetJob)
			r.Get("/{jobID}/stream", api.StreamJob)
			r.Post("/{jobID}/cancel", api.CancelJob)
		})

		r.With(uploadLimiter.Middleware).Post("/images/upload", api.UploadImage)
		r.Get("/images/{imageID}", api.GetImage)

		r.Get("/analytics/daily", api.DailyAnalytics)
		r.Get("/settings", api.Settings)
		r.Get("/settings/api-keys/status", api.APIKeyStatus)
	})

	return r
}

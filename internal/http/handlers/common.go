package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/matteosandrin/diffusion-garden/internal/ai"
	"github.com/matteosandrin/diffusion-garden/internal/broadcast"
	"github.com/matteosandrin/diffusion-garden/internal/http/middleware"
	"github.com/matteosandrin/diffusion-garden/internal/repository"
	"github.com/matteosandrin/diffusion-garden/internal/service"
	"github.com/matteosandrin/diffusion-garden/internal/storage"
)

const (
	defaultKeepAlive = 60 * time.Second
	maxRequestBytes  = 1 << 20
)

var errInvalidPayload = errors.New("invalid payload")

// ProviderStatus reports which provider API keys are configured.
type ProviderStatus struct {
	OpenAI    bool `json:"openai"`
	Anthropic bool `json:"anthropic"`
	Google    bool `json:"google"`
}

type Dependencies struct {
	Jobs      *service.JobsService
	Hub       *broadcast.Hub
	Images    *storage.Library
	Usage     repository.UsageRepository
	Models    *ai.ModelRouter
	Providers ProviderStatus
	KeepAlive time.Duration
	Logger    zerolog.Logger
}

type API struct {
	jobs      *service.JobsService
	hub       *broadcast.Hub
	images    *storage.Library
	usage     repository.UsageRepository
	models    *ai.ModelRouter
	providers ProviderStatus
	keepAlive time.Duration
	logger    zerolog.Logger
}

func NewAPI(deps Dependencies) *API {
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = defaultKeepAlive
	}
	return &API{
		jobs:      deps.Jobs,
		hub:       deps.Hub,
		images:    deps.Images,
		usage:     deps.Usage,
		models:    deps.Models,
		providers: deps.Providers,
		keepAlive: deps.KeepAlive,
		logger:    deps.Logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// requestLogger returns the request scoped logger installed by the trace middleware.
func (api *API) requestLogger(r *http.Request) *zerolog.Logger {
	if logger := zerolog.Ctx(r.Context()); logger.GetLevel() != zerolog.Disabled {
		return logger
	}
	return &api.logger
}

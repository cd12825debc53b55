package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/matteosandrin/diffusion-garden/internal/ai"
	"github.com/matteosandrin/diffusion-garden/internal/broadcast"
	"github.com/matteosandrin/diffusion-garden/internal/cancellation"
	"github.com/matteosandrin/diffusion-garden/internal/config"
	httpserver "github.com/matteosandrin/diffusion-garden/internal/http"
	"github.com/matteosandrin/diffusion-garden/internal/http/handlers"
	"github.com/matteosandrin/diffusion-garden/internal/logging"
	"github.com/matteosandrin/diffusion-garden/internal/queue"
	"github.com/matteosandrin/diffusion-garden/internal/relay"
	"github.com/matteosandrin/diffusion-garden/internal/repository"
	"github.com/matteosandrin/diffusion-garden/internal/service"
	"github.com/matteosandrin/diffusion-garden/internal/storage"
	"github.com/matteosandrin/diffusion-garden/internal/worker"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg, err := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Development())
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := setupStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store initialization failed")
	}
	defer store.Close()

	blobs, err := setupBlobs(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("image storage initialization failed")
	}
	library := storage.NewLibrary(blobs, store)

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	references := ai.NewReferenceFetcher(cfg.PublicBaseURL, nil)
	openaiClient := ai.NewOpenAIClient(ai.OpenAIClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Timeout:    time.Duration(cfg.OpenAITimeoutMS) * time.Millisecond,
		MaxRetries: cfg.OpenAIMaxRetries,
		References: references,
	})
	anthropicClient := ai.NewAnthropicClient(ai.AnthropicClientConfig{
		APIKey:     cfg.AnthropicAPIKey,
		Timeout:    time.Duration(cfg.OpenAITimeoutMS) * time.Millisecond,
		MaxRetries: cfg.OpenAIMaxRetries,
		References: references,
	})
	geminiClient := ai.NewGeminiClient(ai.GeminiClientConfig{
		APIKey:     cfg.GoogleAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Timeout:    time.Duration(cfg.GeminiTimeoutMS) * time.Millisecond,
		MaxRetries: cfg.GeminiMaxRetries,
		References: references,
	})
	models := ai.NewModelRouter(ai.ModelRouterConfig{
		DefaultTextModel:  cfg.DefaultTextModel,
		DefaultImageModel: cfg.DefaultImageModel,
	}, ai.Providers{
		OpenAI:    openaiClient,
		Anthropic: anthropicClient,
		Gemini:    geminiClient,
	})

	hub := broadcast.NewHub(cfg.SubscriberBuffer)
	events := broadcast.Fanout{hub}
	if cfg.NATSURL != "" {
		natsRelay, err := relay.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats relay unavailable, events stay in process")
		} else {
			logger.Info().Str("url", cfg.NATSURL).Msg("nats event relay connected")
			events = append(events, natsRelay)
			defer natsRelay.Close()
		}
	}

	registry := cancellation.NewRegistry()
	jobsService := service.NewJobsService(store, producer, models, registry, events, service.Limits{
		MaxPromptBytes: cfg.MaxPromptBytes,
		MaxImageURLs:   cfg.MaxImageURLs,
	}, logger)

	var processor *worker.Processor
	if cfg.WorkerEnabled {
		processor = worker.NewProcessor(worker.Dependencies{
			Consumer: consumer,
			Jobs:     store,
			Usage:    store,
			Text:     models,
			Images:   models,
			Library:  library,
			Events:   events,
			Registry: registry,
			Logger:   logger,
		}, worker.Config{
			StreamThrottle: time.Duration(cfg.StreamThrottleMS) * time.Millisecond,
		})
		processor.Start(context.Background())
		if requeued, err := jobsService.RequeuePending(ctx); err != nil {
			logger.Error().Err(err).Msg("requeue pending jobs failed")
		} else if requeued > 0 {
			logger.Info().Int("count", requeued).Msg("requeued pending jobs")
		}
		logger.Info().Msg("executor started")
	} else {
		logger.Info().Msg("executor disabled by configuration")
	}

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:   jobsService,
		Hub:    hub,
		Images: library,
		Usage:  store,
		Models: models,
		Providers: handlers.ProviderStatus{
			OpenAI:    openaiClient.Available(),
			Anthropic: anthropicClient.Available(),
			Google:    geminiClient.Available(),
		},
		KeepAlive: time.Duration(cfg.StreamKeepAliveSeconds) * time.Second,
		Logger:    logger,
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:                api,
		Logger:             logger,
		AuthToken:          cfg.AuthToken,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	server := httpserver.NewServer(":"+cfg.Port, handler)

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The executor goes first: the in-flight job settles and its stream
	// subscribers receive the terminal event before connections close.
	if processor != nil {
		if err := processor.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("executor did not stop in time")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
}

func setupStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (repository.Store, error) {
	if cfg.UsesPostgres() {
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("postgres store initialized")
		return store, nil
	}
	if path, ok := cfg.SQLitePath(); ok {
		store, err := repository.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", path).Msg("sqlite store initialized")
		return store, nil
	}
	logger.Warn().Msg("DATABASE_URL not configured, using in-memory store")
	return repository.NewMemoryStore(), nil
}

func setupBlobs(ctx context.Context, cfg config.Config, logger zerolog.Logger) (storage.BlobStore, error) {
	r2 := storage.R2Config{
		Endpoint:  cfg.R2Endpoint,
		AccessKey: cfg.R2AccessKey,
		SecretKey: cfg.R2SecretKey,
		Bucket:    cfg.R2Bucket,
		PublicURL: cfg.R2PublicURL,
	}
	if r2.Enabled() {
		store, err := storage.NewR2Store(ctx, r2)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("bucket", r2.Bucket).Msg("r2 image storage initialized")
		return store, nil
	}
	store, err := storage.NewFileStore(cfg.ImagesDir)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("dir", store.BasePath()).Msg("filesystem image storage initialized")
	return store, nil
}

func setupQueue(ctx context.Context, cfg config.Config, logger zerolog.Logger) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("REDIS_ADDR not configured, using in-process queue")
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("redis streams queue unavailable, using in-process queue")
		local := queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger)
		return local, local, func() {}
	}
	logger.Info().Str("stream", cfg.RedisStream).Msg("redis streams queue initialized")
	return streams, streams, func() {
		if err := streams.Close(); err != nil {
			logger.Warn().Err(err).Msg("close redis queue")
		}
	}
}


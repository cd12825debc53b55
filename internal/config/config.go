package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config centralizes runtime settings for the API and the executor.
type Config struct {
	Port          string   `yaml:"port"`
	AppEnv        string   `yaml:"app_env"`
	LogLevel      string   `yaml:"log_level"`
	AuthToken     string   `yaml:"auth_token"`
	CORSOrigins   []string `yaml:"cors_origins"`
	PublicBaseURL string   `yaml:"public_base_url"`
	WorkerEnabled bool     `yaml:"worker_enabled"`

	// DatabaseURL selects the store: postgres://..., sqlite://path or empty
	// for the in-memory store.
	DatabaseURL string `yaml:"database_url"`
	ImagesDir   string `yaml:"images_dir"`

	R2Endpoint  string `yaml:"r2_endpoint"`
	R2AccessKey string `yaml:"r2_access_key"`
	R2SecretKey string `yaml:"r2_secret_key"`
	R2Bucket    string `yaml:"r2_bucket"`
	R2PublicURL string `yaml:"r2_public_url"`

	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAITimeoutMS  int    `yaml:"openai_timeout_ms"`
	OpenAIMaxRetries int    `yaml:"openai_max_retries"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	GoogleAPIKey     string `yaml:"google_api_key"`
	GeminiBaseURL    string `yaml:"gemini_base_url"`
	GeminiTimeoutMS  int    `yaml:"gemini_timeout_ms"`
	GeminiMaxRetries int    `yaml:"gemini_max_retries"`

	DefaultTextModel  string `yaml:"default_text_model"`
	DefaultImageModel string `yaml:"default_image_model"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisStream   string `yaml:"redis_stream"`
	RedisDLQ      string `yaml:"redis_dlq_stream"`
	RedisGroup    string `yaml:"redis_group"`
	RedisConsumer string `yaml:"redis_consumer"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	RateLimitPerMinute     int `yaml:"rate_limit_per_minute"`
	StreamThrottleMS       int `yaml:"stream_throttle_ms"`
	StreamKeepAliveSeconds int `yaml:"stream_keepalive_seconds"`
	SubscriberBuffer       int `yaml:"subscriber_buffer"`
	MaxPromptBytes         int `yaml:"max_prompt_bytes"`
	MaxImageURLs           int `yaml:"max_image_urls"`
	QueueMaxAttempts       int `yaml:"queue_max_attempts"`
}

func Defaults() Config {
	return Config{
		Port:          "8080",
		AppEnv:        "production",
		LogLevel:      "info",
		CORSOrigins:   []string{"http://localhost:5173"},
		PublicBaseURL: "http://localhost:8080",
		WorkerEnabled: true,

		DatabaseURL: "sqlite://./data/diffusion-garden.db",
		ImagesDir:   "./data/images",

		OpenAIBaseURL:    "https://api.openai.com/v1",
		OpenAITimeoutMS:  300000,
		OpenAIMaxRetries: 2,
		GeminiBaseURL:    "https://generativelanguage.googleapis.com/v1beta",
		GeminiTimeoutMS:  180000,
		GeminiMaxRetries: 2,

		DefaultTextModel:  "gpt-4o",
		DefaultImageModel: "gemini-3-pro-image-preview",

		RedisStream:   "garden_jobs",
		RedisDLQ:      "garden_jobs_dlq",
		RedisGroup:    "garden_executors",
		RedisConsumer: "executor-1",

		NATSSubjectPrefix: "garden.jobs",

		RateLimitPerMinute:     20,
		StreamThrottleMS:       150,
		StreamKeepAliveSeconds: 60,
		SubscriberBuffer:       64,
		MaxPromptBytes:         32 << 10,
		MaxImageURLs:           8,
		QueueMaxAttempts:       3,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.AppEnv = getEnv("APP_ENV", cfg.AppEnv)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AuthToken = getEnv("API_AUTH_TOKEN", cfg.AuthToken)
	cfg.CORSOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORSOrigins)
	cfg.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.WorkerEnabled = getEnvBool("WORKER_ENABLED", cfg.WorkerEnabled)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ImagesDir = getEnv("IMAGES_DIR", cfg.ImagesDir)

	cfg.R2Endpoint = getEnv("R2_ENDPOINT", cfg.R2Endpoint)
	cfg.R2AccessKey = getEnv("R2_ACCESS_KEY_ID", cfg.R2AccessKey)
	cfg.R2SecretKey = getEnv("R2_SECRET_ACCESS_KEY", cfg.R2SecretKey)
	cfg.R2Bucket = getEnv("R2_BUCKET_NAME", cfg.R2Bucket)
	cfg.R2PublicURL = getEnv("R2_PUBLIC_URL", cfg.R2PublicURL)

	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAITimeoutMS = getEnvInt("OPENAI_TIMEOUT_MS", cfg.OpenAITimeoutMS)
	cfg.OpenAIMaxRetries = getEnvInt("OPENAI_MAX_RETRIES", cfg.OpenAIMaxRetries)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.GoogleAPIKey = getEnv("GOOGLE_API_KEY", cfg.GoogleAPIKey)
	cfg.GeminiBaseURL = getEnv("GEMINI_BASE_URL", cfg.GeminiBaseURL)
	cfg.GeminiTimeoutMS = getEnvInt("GEMINI_TIMEOUT_MS", cfg.GeminiTimeoutMS)
	cfg.GeminiMaxRetries = getEnvInt("GEMINI_MAX_RETRIES", cfg.GeminiMaxRetries)

	cfg.DefaultTextModel = getEnv("DEFAULT_TEXT_MODEL", cfg.DefaultTextModel)
	cfg.DefaultImageModel = getEnv("DEFAULT_IMAGE_MODEL", cfg.DefaultImageModel)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisStream = getEnv("REDIS_STREAM", cfg.RedisStream)
	cfg.RedisDLQ = getEnv("REDIS_DLQ_STREAM", cfg.RedisDLQ)
	cfg.RedisGroup = getEnv("REDIS_GROUP", cfg.RedisGroup)
	cfg.RedisConsumer = getEnv("REDIS_CONSUMER", cfg.RedisConsumer)

	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)

	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	cfg.StreamThrottleMS = getEnvInt("STREAM_THROTTLE_MS", cfg.StreamThrottleMS)
	cfg.StreamKeepAliveSeconds = getEnvInt("STREAM_KEEPALIVE_SECONDS", cfg.StreamKeepAliveSeconds)
	cfg.SubscriberBuffer = getEnvInt("SUBSCRIBER_BUFFER", cfg.SubscriberBuffer)
	cfg.MaxPromptBytes = getEnvInt("MAX_PROMPT_BYTES", cfg.MaxPromptBytes)
	cfg.MaxImageURLs = getEnvInt("MAX_IMAGE_URLS", cfg.MaxImageURLs)
	cfg.QueueMaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", cfg.QueueMaxAttempts)
}

func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %q", c.Port)
	}
	if c.StreamThrottleMS < 0 {
		return fmt.Errorf("stream_throttle_ms must not be negative")
	}
	if c.StreamKeepAliveSeconds < 1 {
		return fmt.Errorf("stream_keepalive_seconds must be at least 1")
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be at least 1")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute must not be negative")
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("queue_max_attempts must be at least 1")
	}
	switch {
	case c.DatabaseURL == "",
		strings.HasPrefix(c.DatabaseURL, "postgres://"),
		strings.HasPrefix(c.DatabaseURL, "postgresql://"),
		strings.HasPrefix(c.DatabaseURL, "sqlite://"):
	default:
		return fmt.Errorf("database_url must start with postgres:// or sqlite://")
	}
	if (c.R2Bucket == "") != (c.R2Endpoint == "") {
		return fmt.Errorf("r2_endpoint and r2_bucket must be set together")
	}
	return nil
}

// SQLitePath returns the file path of a sqlite:// database URL.
func (c Config) SQLitePath() (string, bool) {
	if !strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		return "", false
	}
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://"), true
}

func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func (c Config) Development() bool {
	return c.AppEnv == "development"
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

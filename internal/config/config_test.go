package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 150, cfg.StreamThrottleMS)
	assert.Equal(t, 60, cfg.StreamKeepAliveSeconds)
	assert.Equal(t, 20, cfg.RateLimitPerMinute)
	assert.Equal(t, "gpt-4o", cfg.DefaultTextModel)

	path, ok := cfg.SQLitePath()
	assert.True(t, ok)
	assert.Equal(t, "./data/diffusion-garden.db", path)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "garden.yaml")
	content := `
port: "9090"
database_url: postgres://garden@localhost/garden
redis_addr: ${TEST_REDIS_HOST}:6379
stream_throttle_ms: 50
cors_origins:
  - https://garden.example.com
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("TEST_REDIS_HOST", "cache")
	t.Setenv("STREAM_THROTTLE_MS", "75")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.UsesPostgres())
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 75, cfg.StreamThrottleMS)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"port":      func(c *Config) { c.Port = "http" },
		"keepalive": func(c *Config) { c.StreamKeepAliveSeconds = 0 },
		"buffer":    func(c *Config) { c.SubscriberBuffer = 0 },
		"database":  func(c *Config) { c.DatabaseURL = "mysql://x" },
		"r2":        func(c *Config) { c.R2Bucket = "images" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("GARDEN_TEST_A=from-file\nGARDEN_TEST_B=\"quoted value\"\n"), 0o600))
	t.Setenv("GARDEN_TEST_A", "from-env")
	t.Setenv("GARDEN_TEST_B", "")
	os.Unsetenv("GARDEN_TEST_B")

	require.NoError(t, LoadDotEnv(file, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("GARDEN_TEST_A"))
	assert.Equal(t, "quoted value", os.Getenv("GARDEN_TEST_B"))
}

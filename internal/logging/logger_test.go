package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", false)

	logger.Info().Msg("hidden")
	logger.Warn().Str("job_id", "j1").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "j1", entry["job_id"])
	assert.Equal(t, "diffusion-garden", entry["service"])
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger := NewWithWriter(&bytes.Buffer{}, "verbose", false)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	dev := NewWithWriter(&bytes.Buffer{}, "info", true)
	assert.Equal(t, zerolog.DebugLevel, dev.GetLevel())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimark/omr-engine/internal/pipeline"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.False(t, cfg.Debug())
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.StaleAfter)
	assert.Equal(t, pipeline.DefaultOptions, cfg.Pipeline)
	assert.False(t, cfg.OCREnabled)
	assert.Equal(t, "eng", cfg.OCR.Language)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("OMR_WORKERS", "6")
	t.Setenv("OMR_LOG_LEVEL", "debug")
	t.Setenv("OMR_POLL_INTERVAL", "250ms")
	t.Setenv("OMR_STALE_AFTER", "2m")
	t.Setenv("OMR_PIPELINE_ALIGN_MIN_FIT", "0.8")
	t.Setenv("OMR_PIPELINE_BUBBLE_FILLED_MIN", "0.55")
	t.Setenv("OMR_PIPELINE_PROFILE", "aggressive")
	t.Setenv("OMR_OCR_ENABLED", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.True(t, cfg.Debug())
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 0.8, cfg.Pipeline.Align.MinFit)
	assert.Equal(t, 0.55, cfg.Pipeline.Bubble.FilledMin)
	assert.Equal(t, pipeline.DefaultOptions.Bubble.EmptyMax, cfg.Pipeline.Bubble.EmptyMax)
	assert.Equal(t, "aggressive", cfg.Pipeline.Profile)
	assert.True(t, cfg.OCREnabled)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", ".env.test"),
		[]byte("OMR_DATABASE_PATH=/var/lib/omr/test.db\nOMR_MAX_ATTEMPTS=5\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("OMR_DATABASE_PATH")
		os.Unsetenv("OMR_MAX_ATTEMPTS")
	})
	t.Setenv("OMR_ENV", "TEST")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, "/var/lib/omr/test.db", cfg.DatabasePath)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("OMR_MAX_ATTEMPTS", "0")
	t.Setenv("OMR_LOG_LEVEL", "verbose")

	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "log_level")
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DATABASE_URL", "DB_USERNAME", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME",
	"LOG_LEVEL", "LOG_FORMAT", "HTTP_PORT", "DB_MAX_OPEN_CONNS",
	"ENGINE_MAX_PARALLEL", "ENGINE_STEP_TIMEOUT_SECONDS", "ENGINE_SHUTDOWN_TIMEOUT_SECONDS",
}

func clearEnv(t *testing.T) {
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		clearEnv(t)
		cfg, err := LoadFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "", cfg.DatabaseURL)
		assert.Equal(t, "INFO", cfg.LogLevel)
		assert.Equal(t, "text", cfg.LogFormat)
		assert.Equal(t, "8080", cfg.HTTPPort)
		assert.Equal(t, 16, cfg.MaxParallel)
		assert.Equal(t, 60*time.Second, cfg.StepTimeout)
		assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	})

	t.Run("Overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_FORMAT", "JSON")
		t.Setenv("HTTP_PORT", "9090")
		t.Setenv("ENGINE_MAX_PARALLEL", "4")
		t.Setenv("ENGINE_STEP_TIMEOUT_SECONDS", "5")
		cfg, err := LoadFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "DEBUG", cfg.LogLevel)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, "9090", cfg.HTTPPort)
		assert.Equal(t, 4, cfg.MaxParallel)
		assert.Equal(t, 5*time.Second, cfg.StepTimeout)
	})

	t.Run("RejectsBadValues", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENGINE_STEP_TIMEOUT_SECONDS", "soon")
		_, err := LoadFromEnv()
		assert.ErrorContains(t, err, "ENGINE_STEP_TIMEOUT_SECONDS")

		clearEnv(t)
		t.Setenv("ENGINE_MAX_PARALLEL", "0")
		_, err = LoadFromEnv()
		assert.ErrorContains(t, err, "max parallel")

		clearEnv(t)
		t.Setenv("LOG_LEVEL", "trace")
		_, err = LoadFromEnv()
		assert.ErrorContains(t, err, "log level")
	})
}

func TestConnString(t *testing.T) {
	t.Run("DatabaseURLWins", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DATABASE_URL", "postgres://a@b/c")
		t.Setenv("DB_USERNAME", "ignored")
		assert.Equal(t, "postgres://a@b/c", ConnString())
	})

	t.Run("FromParts", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DB_USERNAME", "ops")
		t.Setenv("DB_PASSWORD", "secret")
		t.Setenv("DB_HOST", "db")
		t.Setenv("DB_NAME", "flows")
		assert.Equal(t, "postgres://ops:secret@db:5432/flows?sslmode=disable", ConnString())
	})

	t.Run("Incomplete", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DB_HOST", "db")
		assert.Empty(t, ConnString())
	})
}

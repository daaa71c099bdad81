package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iding2959/ys-movie/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 12321, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:8188", cfg.Backend.Address)
	assert.Equal(t, "workflows", cfg.Generation.WorkflowDir)
	assert.Equal(t, 30, cfg.Generation.MaxDurationSeconds)
	assert.Equal(t, int64(1_000_000), cfg.Generation.SeedStride)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
}

func TestLoad(t *testing.T) {
	t.Run("EmptyPathUsesDefaults", func(t *testing.T) {
		cfg, err := config.Load("")
		assert.NoError(t, err)
		assert.Equal(t, config.Default().Server.Port, cfg.Server.Port)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9000

[backend]
address = "gpu-box:8188"
poll_interval_ms = 500

[generation]
max_duration_seconds = 60
`), 0o644))

		cfg, err := config.Load(path)
		assert.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "gpu-box:8188", cfg.Backend.Address)
		assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
		assert.Equal(t, 60, cfg.Generation.MaxDurationSeconds)
		// Untouched sections keep their defaults.
		assert.Equal(t, "workflows", cfg.Generation.WorkflowDir)
	})

	t.Run("MissingFileFails", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		t.Setenv("YSMOVIE_BACKEND", "other-box:8188")
		t.Setenv("DATABASE_URL", "postgres://localhost/ysmovie")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := config.Load("")
		assert.NoError(t, err)
		assert.Equal(t, "other-box:8188", cfg.Backend.Address)
		assert.Equal(t, "postgres://localhost/ysmovie", cfg.Database.URL)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

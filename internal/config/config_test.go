package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 8091, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Processing.ChunkSizePages)
	assert.Equal(t, 2, cfg.Processing.ChunkOverlapPages)
	assert.Equal(t, "pdftoppm", cfg.Tools.Pdftoppm)
}

func TestLoadExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
processing:
  chunk_size_pages: 10
  ocr_workers: 8
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Processing.ChunkSizePages)
	assert.Equal(t, 8, cfg.Processing.OCRWorkers)
	// unset values keep their defaults
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
}

func TestRelativePathsResolved(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Storage.DataDirectory)
	assert.True(t, filepath.IsAbs(cfg.Storage.TempDirectory))
}

func TestInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

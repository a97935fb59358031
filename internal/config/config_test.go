package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, "data/tubefetch.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Download.MaxConcurrent)
	assert.Equal(t, 500*time.Millisecond, cfg.Download.ProgressInterval)
	assert.Equal(t, int64(5), cfg.Auth.SignupBonus)
	assert.Equal(t, "tubefetch", cfg.Storage.KeyPrefix)
	assert.Empty(t, cfg.Storage.Bucket)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TUBEFETCH_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("TUBEFETCH_DOWNLOAD_MAXCONCURRENT", "8")
	t.Setenv("TUBEFETCH_AUTH_SIGNUPBONUS", "20")
	t.Setenv("TUBEFETCH_STORAGE_BUCKET", "media")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Download.MaxConcurrent)
	assert.Equal(t, int64(20), cfg.Auth.SignupBonus)
	assert.Equal(t, "media", cfg.Storage.Bucket)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TUBEFETCH_DOWNLOAD_MAXCONCURRENT", "0")

	_, err := Load()
	assert.Error(t, err)
}

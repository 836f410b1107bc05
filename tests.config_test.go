package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoadConfigFile(t *testing.T) {
	config, err := LoadConfigFile("./config.yml")
	require.NoError(t, err)
	assert.Equal(t, "8080", config.Server.Port)
	assert.Equal(t, 15*time.Second, config.Server.RequestTimeout)
	assert.Equal(t, zapcore.InfoLevel, config.LogLevel)
	assert.Equal(t, []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}, config.Images.AcceptedTypes)
	assert.Equal(t, 15*time.Minute, config.RateLimit.Window)
	assert.Empty(t, config.RateLimit.TrustedProxies)
	// never stored in the file.
	assert.Empty(t, config.Auth.Secret)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigEnvs(t *testing.T) {
	t.Setenv("BRAP_AUTH_SECRET", "from-env")
	t.Setenv("BRAP_IMAGES_MAX_SIZE", "1024")
	t.Setenv("BRAP_RATE_LIMIT_ENABLE", "false")
	t.Setenv("BRAP_SERVER_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("BRAP_RATE_LIMIT_TRUSTED_PROXIES", "10.0.0.1,10.0.0.2")

	config := &Config{RateLimit: RateConfig{Enable: true}}
	require.NoError(t, LoadConfigEnvs("BRAP", config))
	assert.Equal(t, "from-env", config.Auth.Secret)
	assert.Equal(t, int64(1024), config.Images.MaxSize)
	assert.False(t, config.RateLimit.Enable)
	assert.Equal(t, 3*time.Second, config.Server.ShutdownTimeout)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, config.RateLimit.TrustedProxies)
}

func TestInitConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Host: "0.0.0.0", Port: "8080"},
			Redis:  RedisConfig{Host: "localhost", Port: "6379"},
			Auth:   AuthConfig{Secret: "s3cr3t"},
		}
	}

	t.Run("defaults", func(t *testing.T) {
		config := valid()
		require.NoError(t, InitConfig(config, "abc123", "v1.0.0", "2023-07-02"))
		assert.Equal(t, "abc123", config.GitCommit)
		assert.Equal(t, "v1.0.0", config.GitTag)
		assert.Equal(t, "2023-07-02", config.BuildTime)
		assert.Equal(t, "http://0.0.0.0:8080", config.Server.PublicBaseURL)
		assert.Equal(t, 24*time.Hour, config.Auth.TokenTTL)
		assert.Equal(t, int64(5*1024*1024), config.Images.MaxSize)
		assert.Equal(t, 206, config.Images.Width)
		assert.Equal(t, 260, config.Images.Height)
		assert.Equal(t, 80, config.Images.Quality)
		assert.Equal(t, 5, config.Redis.TxMaxRetries)
		assert.Equal(t, 100, config.RateLimit.Requests)
		assert.Equal(t, 15*time.Minute, config.RateLimit.Window)
		assert.Equal(t, 64, config.Janitor.QueueSize)
	})

	t.Run("build values are optional", func(t *testing.T) {
		config := valid()
		config.GitTag = "from-file"
		require.NoError(t, InitConfig(config, "", "", ""))
		assert.Equal(t, "from-file", config.GitTag)
	})

	t.Run("missing server address", func(t *testing.T) {
		config := valid()
		config.Server.Port = ""
		assert.Error(t, InitConfig(config, "", "", ""))
	})

	t.Run("missing redis address", func(t *testing.T) {
		config := valid()
		config.Redis.Host = ""
		assert.Error(t, InitConfig(config, "", "", ""))
	})

	t.Run("missing signing secret", func(t *testing.T) {
		config := valid()
		config.Auth.Secret = ""
		assert.Error(t, InitConfig(config, "", "", ""))
	})
}

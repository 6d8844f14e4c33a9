package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	req := require.New(t)
	cfg := NewConfig()

	req.Equal(":8080", cfg.Port)
	req.Equal([]string{"http://localhost:8080"}, cfg.Origins())
	req.Equal(RateLimitConfig{Burst: 5, RefillInterval: time.Second}, cfg.RateLimit())
	req.Equal(time.Hour, cfg.TokenTTL)
	req.False(cfg.RequireToken)
	req.False(cfg.InMemory())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	req := require.New(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example.com, https://b.example.com ,")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("DELIVERY_TIMEOUT", "500ms")
	t.Setenv("BADGER_PATH", InMemoryStorage)
	t.Setenv("RELAY_REQUIRE_TOKEN", "true")
	t.Setenv("HISTORY_LIMIT", "25")

	cfg, err := LoadConfig("")
	req.NoError(err)

	req.Equal(":9090", cfg.Port)
	req.Equal([]string{"http://a.example.com", "https://b.example.com"}, cfg.Origins())
	req.Equal(int64(1024), cfg.MaxMessageSize)
	req.Equal(RateLimitConfig{Burst: 10, RefillInterval: 2 * time.Second}, cfg.RateLimit())
	req.Equal(500*time.Millisecond, cfg.DeliveryTimeout)
	req.Equal(5*time.Second, cfg.PersistTimeout)
	req.True(cfg.InMemory())
	req.True(cfg.RequireToken)
	req.Equal(25, cfg.HistoryLimit)
}

func TestLoadConfig_DotenvFile(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), ".env")
	req.NoError(os.WriteFile(path, []byte("JWT_SECRET=from-dotenv\nLOG_LEVEL=debug\n"), 0o600))

	// godotenv never overrides variables that are already set.
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("JWT_SECRET", "")
	req.NoError(os.Unsetenv("JWT_SECRET"))

	cfg, err := LoadConfig(path)
	req.NoError(err)
	req.Equal("from-dotenv", cfg.JWTSecret)
	req.Equal("warn", cfg.LogLevel)
}

func TestLoadConfig_MissingDotenvIsIgnored(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Port)
}

func TestLoadConfig_InvalidValue(t *testing.T) {
	t.Setenv("RATE_LIMIT_BURST", "many")

	_, err := LoadConfig("")
	require.Error(t, err)
}

func TestSanitizeConfig(t *testing.T) {
	req := require.New(t)
	cfg := sanitizeConfig(Config{
		MaxMessageSize:   -1,
		RateLimitBurst:   0,
		MaxContentLength: -5,
		HistoryLimit:     -1,
	})

	defaults := defaultConfig()
	req.Equal(defaults.Port, cfg.Port)
	req.Equal(defaults.MaxMessageSize, cfg.MaxMessageSize)
	req.Equal(defaults.RateLimitBurst, cfg.RateLimitBurst)
	req.Equal(defaults.RateLimitRefill, cfg.RateLimitRefill)
	req.Equal(defaults.SendBufferSize, cfg.SendBufferSize)
	req.Equal(defaults.PersistTimeout, cfg.PersistTimeout)
	req.Equal(defaults.DeliveryTimeout, cfg.DeliveryTimeout)
	req.Equal(defaults.TokenTTL, cfg.TokenTTL)
	req.Equal(defaults.LogLevel, cfg.LogLevel)
	req.Equal(defaults.ShutdownTimeout, cfg.ShutdownTimeout)
	req.Zero(cfg.MaxContentLength)
	req.Zero(cfg.HistoryLimit)
	req.True(cfg.InMemory())
}

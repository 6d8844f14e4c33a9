package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// InMemoryStorage as BADGER_PATH keeps the message log in memory only.
const InMemoryStorage = ":memory:"

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds every runtime setting of the relay. Fields left unset in the
// environment keep their defaults.
type Config struct {
	Port             string        `env:"SERVER_PORT"`
	AllowedOrigins   string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE"`
	RateLimitBurst   int           `env:"RATE_LIMIT_BURST"`
	RateLimitRefill  time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE"`
	PersistTimeout   time.Duration `env:"PERSIST_TIMEOUT"`
	DeliveryTimeout  time.Duration `env:"DELIVERY_TIMEOUT"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH"`
	BadgerPath       string        `env:"BADGER_PATH"`
	JWTSecret        string        `env:"JWT_SECRET"`
	TokenTTL         time.Duration `env:"TOKEN_TTL"`
	HistoryLimit     int           `env:"HISTORY_LIMIT"`
	RequireToken     bool          `env:"RELAY_REQUIRE_TOKEN"`
	LogLevel         string        `env:"LOG_LEVEL"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Port:             ":8080",
		AllowedOrigins:   "http://localhost:8080",
		MaxMessageSize:   4096,
		RateLimitBurst:   5,
		RateLimitRefill:  time.Second,
		SendBufferSize:   256,
		PersistTimeout:   5 * time.Second,
		DeliveryTimeout:  2 * time.Second,
		MaxContentLength: 2000,
		BadgerPath:       "data/relay",
		TokenTTL:         time.Hour,
		HistoryLimit:     100,
		LogLevel:         "info",
		ShutdownTimeout:  10 * time.Second,
	}
}

// LoadConfig reads an optional dotenv file, then the process environment, on
// top of the defaults. A missing dotenv file is not an error.
func LoadConfig(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}

	cfg := defaultConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	sanitized := sanitizeConfig(cfg)
	return &sanitized, nil
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if strings.TrimSpace(cfg.Port) == "" {
		cfg.Port = defaults.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaults.RateLimitBurst
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = defaults.RateLimitRefill
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if cfg.MaxContentLength < 0 {
		cfg.MaxContentLength = 0
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return cfg
}

// Origins returns the configured allow-list, one entry per comma separated value.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// RateLimit groups the per-connection limiter settings.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

// InMemory reports whether the message log should live in memory only.
func (c Config) InMemory() bool {
	return c.BadgerPath == "" || c.BadgerPath == InMemoryStorage
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the service configuration, loaded from environment
// variables. DatabaseURL is optional: when empty the server runs on the
// in-memory store, which is useful for local development and demos.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	Port        string `env:"PORT" envDefault:"8080"`
	CORSOrigin  string `env:"CORS_ORIGIN" envDefault:"*"`

	CancelWindow time.Duration `env:"CANCEL_WINDOW" envDefault:"24h"`
	MaxAttempts  int           `env:"TRADE_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff time.Duration `env:"TRADE_RETRY_BACKOFF" envDefault:"25ms"`

	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"60s"`
}

// Load parses the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	return cfg, env.Parse(&cfg)
}

// club/config.go
package club

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is parsed from the environment. Redis and NATS addresses are
// optional; when empty the gate skips its cache and the live badge falls
// back to polling the unread-count endpoint.
type Config struct {
	Addr        string        `env:"ADDR" envDefault:":8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	RedisPass   string        `env:"REDIS_PASSWORD"`
	NATSURL     string        `env:"NATS_URL"`
	JWTSecret   string        `env:"JWT_SECRET"`
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"24h"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

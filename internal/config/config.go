package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port      string `env:"PORT"       envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// BrokerBackend selects the pub/sub backend: "local" or "redis".
	BrokerBackend string `env:"BROKER_BACKEND" envDefault:"redis"`
	RedisURL      string `env:"REDIS_URL"      envDefault:"redis://localhost:6379"`
	BrokerAPIKey  string `env:"BROKER_API_KEY"`

	// DatabaseURL points at Postgres. Empty selects the in-memory store.
	DatabaseURL string `env:"DATABASE_URL"`

	TokenSecret   string        `env:"TOKEN_SECRET"`
	TokenTTL      time.Duration `env:"TOKEN_TTL"      envDefault:"1h"`
	SessionSecret string        `env:"SESSION_SECRET"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	GatewayRate    float64  `env:"GATEWAY_RATE"    envDefault:"20"`
	GatewayBurst   int      `env:"GATEWAY_BURST"   envDefault:"40"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return errors.New("TOKEN_SECRET is required")
	}
	if c.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	switch c.BrokerBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown BROKER_BACKEND %q (valid options: local, redis)", c.BrokerBackend)
	}
	if c.BrokerBackend == "redis" && c.RedisURL == "" {
		return errors.New("REDIS_URL is required for the redis broker backend")
	}
	if c.GatewayRate <= 0 || c.GatewayBurst <= 0 {
		return errors.New("GATEWAY_RATE and GATEWAY_BURST must be positive")
	}
	return nil
}

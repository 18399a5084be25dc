// Package config loads the engine configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	RelayEnabled bool `env:"RELAY_ENABLED" default:"true"`

	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" default:"5m"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" default:"1m"`

	MaxConnectionsPerRoom int `env:"MAX_CONNECTIONS_PER_ROOM" default:"50"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be positive, got %v", cfg.IdleTimeout)
	}
	if cfg.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive, got %v", cfg.ReaperInterval)
	}
	if cfg.MaxConnectionsPerRoom < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_ROOM must be at least 1, got %d", cfg.MaxConnectionsPerRoom)
	}

	return nil
}

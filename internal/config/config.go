// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/database"
	"github.com/caarlos0/env/v11"
)

// Store selects the persistence backend.
type Store string

const (
	StorePostgres Store = "postgres"
	StoreMemory   Store = "memory"
)

// Config is the full server configuration.
type Config struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	Store              Store         `env:"STORE" envDefault:"postgres"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string        `env:"LOG_FORMAT" envDefault:"json"`
	NotificationBuffer int           `env:"NOTIFICATION_BUFFER" envDefault:"256"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	OtelEnabled        bool          `env:"OTEL_ENABLED" envDefault:"true"`
	OtelEndpoint       string        `env:"OTEL_ENDPOINT"`

	DB database.Config `envPrefix:"DB_"`
}

// Load parses the environment into a Config and checks it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	if c.NotificationBuffer < 1 {
		return fmt.Errorf("config: NOTIFICATION_BUFFER must be positive, got %d", c.NotificationBuffer)
	}
	return nil
}

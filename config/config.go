// Package config loads server settings from flags and the environment.
// Environment variables take precedence over flags.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all server settings.
type Config struct {
	Addr           string        `env:"RUN_ADDRESS"`
	DatabaseDriver string        `env:"DATABASE_DRIVER"`
	DatabaseDSN    string        `env:"DATABASE_DSN"`
	JWTSecret      string        `env:"JWT_SECRET"`
	TokenTTL       time.Duration `env:"TOKEN_TTL"`
	RandomURL      string        `env:"RANDOM_ORG_URL"`
	RandomKey      string        `env:"RANDOM_ORG_KEY"`
	BcryptCost     int           `env:"BCRYPT_COST"`
}

// Load parses flags, then overlays environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "a", ":8080", "address to listen on")
	flag.StringVar(&cfg.DatabaseDriver, "driver", "sqlite", "database driver: sqlite or postgres")
	flag.StringVar(&cfg.DatabaseDSN, "d", "ledger.db", "database DSN (file path for sqlite)")
	flag.StringVar(&cfg.JWTSecret, "secret", "", "JWT signing secret")
	flag.DurationVar(&cfg.TokenTTL, "ttl", 24*time.Hour, "token lifetime")
	flag.StringVar(&cfg.RandomURL, "random-url", "https://api.random.org/json-rpc/4/invoke", "random.org invoke URL")
	flag.StringVar(&cfg.RandomKey, "random-key", "", "random.org API key")
	flag.IntVar(&cfg.BcryptCost, "bcrypt-cost", 12, "bcrypt hashing cost")
	flag.Parse()

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	switch cfg.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}

	return cfg, nil
}

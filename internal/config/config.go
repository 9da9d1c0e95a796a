// Package config loads runtime settings from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime settings. DSN is optional: without it the process
// serves every session from the in-memory fallback backend.
type Config struct {
	DatabaseDSN   string        `env:"GAMETABLE_DSN"`
	Addr          string        `env:"GAMETABLE_ADDR" envDefault:":8080"`
	SessionTTL    time.Duration `env:"GAMETABLE_TTL" envDefault:"6h"`
	SweepInterval time.Duration `env:"GAMETABLE_SWEEP" envDefault:"1m"`
	DBTimeout     time.Duration `env:"GAMETABLE_DB_TIMEOUT" envDefault:"3s"`
	Debug         bool          `env:"GAMETABLE_DEBUG" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/lh6104/supply-chain-blockchain/pkg/ethsig"
)

// Config aggregates the environment-driven settings of the provenance service.
type Config struct {
	Addr        string        `env:"ADDR" envDefault:":8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string        `env:"LOG_FORMAT" envDefault:"text"`
	OwnerAddr   string        `env:"OWNER_ADDRESS"`
	SessionTTL  time.Duration `env:"SESSION_TTL" envDefault:"8h"`
}

// Load parses the environment. OWNER_ADDRESS is the registry owner and must be
// a valid wallet address; everything else has a default. An empty DATABASE_URL
// selects the in-memory stores.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.OwnerAddr == "" {
		return Config{}, fmt.Errorf("OWNER_ADDRESS is required")
	}
	if _, err := ethsig.ParseAddress(cfg.OwnerAddr); err != nil {
		return Config{}, fmt.Errorf("OWNER_ADDRESS %q: %w", cfg.OwnerAddr, err)
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("SESSION_TTL must be positive")
	}
	return cfg, nil
}

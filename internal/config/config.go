package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	MnemonicFile string `envconfig:"BRIA_MNEMONIC_FILE"`
	DBPath       string `envconfig:"BRIA_DB_PATH" default:"./data/bria.sqlite"`
	Port         int    `envconfig:"BRIA_PORT" default:"8080"`
	LogLevel     string `envconfig:"BRIA_LOG_LEVEL" default:"info"`
	LogDir       string `envconfig:"BRIA_LOG_DIR" default:"./logs"`
	Network      string `envconfig:"BRIA_NETWORK" default:"testnet"`

	// Fee estimator: the external service batch assembly consults for the
	// priority->sats/vbyte mapping (spec §4.3). Treated as an opaque HTTP
	// endpoint, not a specific provider, per the Non-goal excluding a
	// concrete fee-estimator implementation.
	FeeEstimatorURL     string `envconfig:"BRIA_FEE_ESTIMATOR_URL" default:"https://mempool.space/api/v1/fees/recommended"`
	FeeEstimatorTimeout int    `envconfig:"BRIA_FEE_ESTIMATOR_TIMEOUT_SECONDS" default:"10"`

	// Wallet engine / chain sync: the external service the sync-wallet job
	// polls per keychain for new/settled outputs (spec §4.5's "blockchain
	// wallet engine" dependency, Non-goal: we consume it, not build it).
	WalletEngineURL     string `envconfig:"BRIA_WALLET_ENGINE_URL"`
	WalletEngineTimeout int    `envconfig:"BRIA_WALLET_ENGINE_TIMEOUT_SECONDS" default:"15"`

	SyncIntervalSeconds int `envconfig:"BRIA_SYNC_INTERVAL_SECONDS" default:"10"`

	MarkSettledAfterNConfs int `envconfig:"BRIA_MARK_SETTLED_AFTER_N_CONFS" default:"1"`
}

// Load reads configuration from .env file (if present) then from environment
// variables. Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("%w: network must be \"mainnet\" or \"testnet\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.SyncIntervalSeconds < 1 {
		return fmt.Errorf("%w: sync interval must be >= 1 second, got %d", ErrInvalidConfig, c.SyncIntervalSeconds)
	}
	if c.MarkSettledAfterNConfs < 1 {
		return fmt.Errorf("%w: mark-settled confirmation count must be >= 1, got %d", ErrInvalidConfig, c.MarkSettledAfterNConfs)
	}
	return nil
}

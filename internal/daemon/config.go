// Package daemon wires the Parley services together: storage, ledger, round
// engine, background jobs, and the HTTP API.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config is the daemon configuration, loaded from TOML with environment
// variable overrides applied on top.
type Config struct {
	API      APIConfig      `toml:"api"`
	Storage  StorageConfig  `toml:"storage"`
	Provider ProviderConfig `toml:"provider"`
	Search   SearchConfig   `toml:"search"`
	Rounds   RoundsConfig   `toml:"rounds"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Host           string  `toml:"host" env:"PARLEY_API_HOST"`
	Port           int     `toml:"port" env:"PARLEY_API_PORT"`
	RateLimitRPS   float64 `toml:"rate_limit_rps" env:"PARLEY_RATE_LIMIT_RPS"`
	RateLimitBurst int     `toml:"rate_limit_burst" env:"PARLEY_RATE_LIMIT_BURST"`
}

// StorageConfig controls where the SQLite database lives.
type StorageConfig struct {
	DataDir string `toml:"data_dir" env:"PARLEY_DATA_DIR"`
}

// ProviderConfig points at the OpenAI-compatible model backend.
type ProviderConfig struct {
	BaseURL string `toml:"base_url" env:"PARLEY_PROVIDER_URL"`
	APIKey  string `toml:"api_key" env:"PARLEY_PROVIDER_API_KEY"`
	Timeout string `toml:"timeout" env:"PARLEY_PROVIDER_TIMEOUT"`
}

// SearchConfig controls the optional pre-search stage backend.
type SearchConfig struct {
	Enabled bool   `toml:"enabled" env:"PARLEY_SEARCH_ENABLED"`
	BaseURL string `toml:"base_url" env:"PARLEY_SEARCH_URL"`
}

// RoundsConfig controls the round coordinator.
type RoundsConfig struct {
	PreSearchTimeout string `toml:"pre_search_timeout" env:"PARLEY_PRE_SEARCH_TIMEOUT"`
	SearchLimit      int    `toml:"search_limit" env:"PARLEY_SEARCH_LIMIT"`
	MaxConcurrent    int    `toml:"max_concurrent" env:"PARLEY_MAX_CONCURRENT_ROUNDS"`
}

// LedgerConfig controls the credit ledger.
type LedgerConfig struct {
	MaxRetries        int    `toml:"max_retries" env:"PARLEY_LEDGER_MAX_RETRIES"`
	RefillCron        string `toml:"refill_cron" env:"PARLEY_REFILL_CRON"`
	MessagePeriodDays int    `toml:"message_period_days" env:"PARLEY_MESSAGE_PERIOD_DAYS"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" env:"PARLEY_METRICS_ENABLED"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8787,
			RateLimitRPS:   2,
			RateLimitBurst: 5,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			BaseURL: "http://127.0.0.1:11434/v1",
			Timeout: "5m",
		},
		Search: SearchConfig{
			Enabled: false,
		},
		Rounds: RoundsConfig{
			PreSearchTimeout: "10s",
			SearchLimit:      5,
			MaxConcurrent:    4,
		},
		Ledger: LedgerConfig{
			MaxRetries:        5,
			RefillCron:        "0 0 1 * *",
			MessagePeriodDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfig reads the TOML file at path (missing file is fine, defaults
// apply) and then applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Addr returns the host:port the API listens on.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// parseDuration parses a duration string with a fallback.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}

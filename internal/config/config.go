package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/nwcd/nwcd/internal/backend"
)

type RelayConfig struct {
	URL                 string `json:"url"`
	HandshakeTimeoutSec int    `json:"handshake_timeout_sec"`
}

type StorageConfig struct {
	KVPath         string `json:"kv_path"`
	ActivityDBPath string `json:"activity_db_path"`
}

type BudgetConfig struct {
	CheckIntervalMinutes int `json:"check_interval_minutes"`
}

type MetricsConfig struct {
	Port int `json:"port"`
}

type ServiceConfig struct {
	Relay   RelayConfig       `json:"relay"`
	Storage StorageConfig     `json:"storage"`
	LND     backend.LNDConfig `json:"lnd"`
	Budget  BudgetConfig      `json:"budget"`
	Metrics MetricsConfig     `json:"metrics"`
}

const (
	defaultHandshakeTimeoutSec        = 10
	defaultBudgetCheckIntervalMinutes = 10
	defaultLNDTimeoutSeconds          = 60
)

func LoadServiceConfig(path string) (*ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateServiceConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateServiceConfig(cfg *ServiceConfig) error {
	if cfg.Relay.URL == "" {
		return fmt.Errorf("validation error: relay.url is required")
	}
	if !strings.HasPrefix(cfg.Relay.URL, "wss://") && !strings.HasPrefix(cfg.Relay.URL, "ws://") {
		return fmt.Errorf("validation error: relay.url must be a ws:// or wss:// URL, got %q", cfg.Relay.URL)
	}
	if cfg.Relay.HandshakeTimeoutSec <= 0 {
		cfg.Relay.HandshakeTimeoutSec = defaultHandshakeTimeoutSec
	}

	if cfg.Storage.KVPath == "" {
		cfg.Storage.KVPath = "./nwcd.kv"
	}
	if cfg.Storage.ActivityDBPath == "" {
		cfg.Storage.ActivityDBPath = "./nwcd.db"
	}

	if cfg.LND.RestURL == "" {
		return fmt.Errorf("validation error: lnd.rest_url is required")
	}
	if cfg.LND.MacaroonHex == "" {
		return fmt.Errorf("validation error: lnd.macaroon_hex is required")
	}
	if cfg.LND.TimeoutSeconds <= 0 {
		cfg.LND.TimeoutSeconds = defaultLNDTimeoutSeconds
	}

	if cfg.Budget.CheckIntervalMinutes <= 0 {
		cfg.Budget.CheckIntervalMinutes = defaultBudgetCheckIntervalMinutes
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		return fmt.Errorf("validation error: metrics.port must be between 0 and 65535, got %d", cfg.Metrics.Port)
	}

	return nil
}

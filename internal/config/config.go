// Package config loads the service configuration from a YAML file with
// environment-variable overrides for secrets and connection strings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"MetalFlow/internal/valuation"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Postgres PostgresConfig `yaml:"postgres"`
	NATS     NATSConfig     `yaml:"nats"`
	Market   MarketConfig   `yaml:"market"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cashflow CashflowConfig `yaml:"cashflow"`
	Exports  ExportsConfig  `yaml:"exports"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PostgresConfig struct {
	URL           string `yaml:"url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

type MarketConfig struct {
	CashSettlementSymbol string `yaml:"cash_settlement_symbol"`
	Proxy3MSymbol        string `yaml:"proxy_3m_symbol"`
	Proxy3MSource        string `yaml:"proxy_3m_source"`
	MaxLookbackDays      int    `yaml:"max_lookback_days"`
}

type PipelineConfig struct {
	Version          string `yaml:"version"`
	ResumeFromFailed bool   `yaml:"resume_from_failed"`
	ExportType       string `yaml:"export_type"`
}

type CashflowConfig struct {
	BaselineMethod valuation.BaselineMethod `yaml:"baseline_method"`
	// FxPolicyMap maps a reporting currency to "CCY:SYMBOL@SOURCE"
	// entries; conversion is never inferred outside this map.
	FxPolicyMap map[string]string `yaml:"fx_policy_map"`
}

type ExportsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads the YAML config at path and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("MF_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("MF_EXPORTS_ACCESS_KEY"); v != "" {
		cfg.Exports.AccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("MF_EXPORTS_SECRET_KEY"); v != "" {
		cfg.Exports.SecretKey = strings.TrimSpace(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "metalflow", Version: "dev"},
		Postgres: PostgresConfig{
			URL:           "postgres://localhost:5432/metalflow?sslmode=disable",
			MigrationsDir: "migrations",
		},
		NATS: NATSConfig{URL: "nats://localhost:4222", Enabled: true},
		Market: MarketConfig{
			CashSettlementSymbol: "AL_CASH",
			Proxy3MSymbol:        "AL_3M",
			Proxy3MSource:        "LME",
			MaxLookbackDays:      30,
		},
		Pipeline: PipelineConfig{Version: "v1", ExportType: "finance_daily"},
		Cashflow: CashflowConfig{BaselineMethod: valuation.BaselineExplicitAssumption},
		Exports:  ExportsConfig{Bucket: "metalflow-exports", Region: "us-east-1"},
		HTTP:     HTTPConfig{Addr: ":8080"},
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("config: postgres.url is required")
	}
	if c.Market.CashSettlementSymbol == "" {
		return fmt.Errorf("config: market.cash_settlement_symbol is required")
	}
	if c.Cashflow.BaselineMethod != "" && !c.Cashflow.BaselineMethod.Valid() {
		return fmt.Errorf("config: unknown cashflow.baseline_method %q", c.Cashflow.BaselineMethod)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required when nats.enabled")
	}
	if c.Exports.Enabled {
		if c.Exports.Endpoint == "" || c.Exports.Bucket == "" {
			return fmt.Errorf("config: exports.endpoint and exports.bucket are required when exports.enabled")
		}
	}
	return nil
}

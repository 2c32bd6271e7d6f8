package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"MetalFlow/internal/config"
	"MetalFlow/internal/valuation"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Market.CashSettlementSymbol != "AL_CASH" {
		t.Errorf("cash symbol = %s", cfg.Market.CashSettlementSymbol)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http addr = %s", cfg.HTTP.Addr)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
service:
  name: metalflow
  version: "1.4.0"
postgres:
  url: postgres://db:5432/metalflow
market:
  max_lookback_days: 10
pipeline:
  resume_from_failed: true
cashflow:
  baseline_method: proxy_3m
  fx_policy_map:
    EUR: "EUR:EURUSD@ECB"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Version != "1.4.0" {
		t.Errorf("version = %s", cfg.Service.Version)
	}
	if cfg.Postgres.URL != "postgres://db:5432/metalflow" {
		t.Errorf("postgres url = %s", cfg.Postgres.URL)
	}
	if cfg.Market.MaxLookbackDays != 10 {
		t.Errorf("lookback = %d", cfg.Market.MaxLookbackDays)
	}
	if !cfg.Pipeline.ResumeFromFailed {
		t.Error("resume_from_failed not applied")
	}
	if cfg.Cashflow.BaselineMethod != valuation.BaselineProxy3M {
		t.Errorf("baseline method = %s", cfg.Cashflow.BaselineMethod)
	}
	if cfg.Cashflow.FxPolicyMap["EUR"] != "EUR:EURUSD@ECB" {
		t.Errorf("fx policy map = %v", cfg.Cashflow.FxPolicyMap)
	}
	// Untouched sections keep defaults.
	if cfg.Market.CashSettlementSymbol != "AL_CASH" {
		t.Errorf("cash symbol = %s", cfg.Market.CashSettlementSymbol)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_URL", "postgres://env-host:5432/metalflow ")
	t.Setenv("MF_HTTP_ADDR", ":9090")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.URL != "postgres://env-host:5432/metalflow" {
		t.Errorf("postgres url = %q, want trimmed env value", cfg.Postgres.URL)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http addr = %s", cfg.HTTP.Addr)
	}
}

func TestValidateRejections(t *testing.T) {
	cfg := config.Default()
	cfg.Postgres.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty postgres url accepted")
	}

	cfg = config.Default()
	cfg.Cashflow.BaselineMethod = "seasonal"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown baseline method accepted")
	}

	cfg = config.Default()
	cfg.Exports.Enabled = true
	cfg.Exports.Endpoint = ""
	if err := cfg.Validate(); err == nil {
		t.Error("exports enabled without endpoint accepted")
	}

	cfg = config.Default()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("nats enabled without url accepted")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/does/not/exist.yaml"); err == nil {
		t.Error("missing config file accepted")
	}
}

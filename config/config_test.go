package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Market.MaxTickAge.Duration != 30*time.Second {
		t.Fatalf("unexpected max tick age: %s", cfg.Market.MaxTickAge.Duration)
	}
	if cfg.Policy.ActivationThresholdPct != 50 || cfg.Policy.LiquidationThresholdPct != 80 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Policy)
	}
	if cfg.Liquidation.Workers != 16 {
		t.Fatalf("unexpected worker count: %d", cfg.Liquidation.Workers)
	}
	if cfg.Liquidation.QueueSize != 32 {
		t.Fatalf("queue should default to twice the workers, got %d", cfg.Liquidation.QueueSize)
	}
	if cfg.Bus.LoanEventsTopic != "coruscant-bank-loan-events" {
		t.Fatalf("unexpected loan events topic: %q", cfg.Bus.LoanEventsTopic)
	}
	if cfg.Venues.HTTPTimeout.Duration != 15*time.Second {
		t.Fatalf("unexpected venue timeout: %s", cfg.Venues.HTTPTimeout.Duration)
	}
}

func TestLoadParsesYAMLDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `listen: ":9090"
market:
  max_tick_age: 45s
  debounce: 100ms
liquidation:
  workers: 4
  lease_ttl: 1m
venues:
  mos_espa_url: "http://mos-espa.test"
  black_spire_url: "http://black-spire.test"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Market.MaxTickAge.Duration != 45*time.Second {
		t.Fatalf("unexpected max tick age: %s", cfg.Market.MaxTickAge.Duration)
	}
	if cfg.Market.Debounce.Duration != 100*time.Millisecond {
		t.Fatalf("unexpected debounce: %s", cfg.Market.Debounce.Duration)
	}
	if cfg.Liquidation.Workers != 4 {
		t.Fatalf("unexpected worker count: %d", cfg.Liquidation.Workers)
	}
	if cfg.Liquidation.QueueSize != 8 {
		t.Fatalf("queue should follow configured workers, got %d", cfg.Liquidation.QueueSize)
	}
	if cfg.Liquidation.LeaseTTL.Duration != time.Minute {
		t.Fatalf("unexpected lease ttl: %s", cfg.Liquidation.LeaseTTL.Duration)
	}
	if cfg.Venues.MosEspaURL != "http://mos-espa.test" {
		t.Fatalf("unexpected venue url: %q", cfg.Venues.MosEspaURL)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MAX_TICK_AGE_SECONDS", "10")
	t.Setenv("LIQUIDATION_THRESHOLD_PCT", "90")
	t.Setenv("ACTIVATION_THRESHOLD_PCT", "40")
	t.Setenv("LIQUIDATION_WORKERS", "2")
	t.Setenv("VENUE_HTTP_TIMEOUT_MS", "2000")
	t.Setenv("VENUE_RETRY_CAP_MS", "5000")
	t.Setenv("BUS_ENDPOINT", "broker:9092")
	t.Setenv("BUS_LOAN_EVENTS_TOPIC", "loan-events-test")
	t.Setenv("VENUE_A_URL", "http://a.test")
	t.Setenv("VENUE_B_URL", "http://b.test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Market.MaxTickAge.Duration != 10*time.Second {
		t.Fatalf("env max tick age not applied: %s", cfg.Market.MaxTickAge.Duration)
	}
	if cfg.Policy.LiquidationThresholdPct != 90 || cfg.Policy.ActivationThresholdPct != 40 {
		t.Fatalf("env thresholds not applied: %+v", cfg.Policy)
	}
	if cfg.Liquidation.Workers != 2 {
		t.Fatalf("env worker count not applied: %d", cfg.Liquidation.Workers)
	}
	if cfg.Venues.HTTPTimeout.Duration != 2*time.Second {
		t.Fatalf("env venue timeout not applied: %s", cfg.Venues.HTTPTimeout.Duration)
	}
	if cfg.Liquidation.RetryCap.Duration != 5*time.Second {
		t.Fatalf("env retry cap not applied: %s", cfg.Liquidation.RetryCap.Duration)
	}
	if cfg.Bus.Endpoint != "broker:9092" {
		t.Fatalf("env bus endpoint not applied: %q", cfg.Bus.Endpoint)
	}
	if cfg.Bus.LoanEventsTopic != "loan-events-test" {
		t.Fatalf("env topic not applied: %q", cfg.Bus.LoanEventsTopic)
	}
	if cfg.Venues.MosEspaURL != "http://a.test" || cfg.Venues.BlackSpireURL != "http://b.test" {
		t.Fatalf("env venue urls not applied: %+v", cfg.Venues)
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("ACTIVATION_THRESHOLD_PCT", "85")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected error when activation threshold sits above liquidation threshold")
	}
	if got, want := err.Error(), "activation threshold must sit below the liquidation threshold"; got != want {
		t.Fatalf("unexpected error: got %q want %q", got, want)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

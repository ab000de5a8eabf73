package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for loand.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"environment"`
	DatabaseDSN   string            `yaml:"database"`
	RequestWindow Duration          `yaml:"request_retention"`
	Bus           BusConfig         `yaml:"bus"`
	Market        MarketConfig      `yaml:"market"`
	Policy        PolicyConfig      `yaml:"policy"`
	Liquidation   LiquidationConfig `yaml:"liquidation"`
	Venues        VenuesConfig      `yaml:"venues"`
	Server        ServerConfig      `yaml:"server"`
	Log           LogConfig         `yaml:"log"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
}

// BusConfig points the service at its Kafka broker and topics.
type BusConfig struct {
	Endpoint        string `yaml:"endpoint"`
	LoanEventsTopic string `yaml:"loan_events_topic"`
	MosEspaTopic    string `yaml:"mos_espa_topic"`
	BlackSpireTopic string `yaml:"black_spire_topic"`
	PublishAttempts int    `yaml:"publish_attempts"`
}

// MarketConfig tunes the price aggregator.
type MarketConfig struct {
	MaxTickAge Duration `yaml:"max_tick_age"`
	Debounce   Duration `yaml:"debounce"`
}

// PolicyConfig holds the LTV thresholds, in percent. Immutable for the
// process lifetime.
type PolicyConfig struct {
	ActivationThresholdPct  int `yaml:"activation_threshold_pct"`
	LiquidationThresholdPct int `yaml:"liquidation_threshold_pct"`
}

// LiquidationConfig sizes the worker pool and its retry policy.
type LiquidationConfig struct {
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	LeaseTTL      Duration `yaml:"lease_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	RetryBase     Duration `yaml:"retry_base"`
	RetryCap      Duration `yaml:"retry_cap"`
}

// VenuesConfig locates the two trading venues.
type VenuesConfig struct {
	MosEspaURL    string   `yaml:"mos_espa_url"`
	BlackSpireURL string   `yaml:"black_spire_url"`
	HTTPTimeout   Duration `yaml:"http_timeout"`
	DialTimeout   Duration `yaml:"dial_timeout"`
}

// ServerConfig tunes the inbound HTTP surface.
type ServerConfig struct {
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// LogConfig selects level and optional rotating file output.
type LogConfig struct {
	Level          string `yaml:"level"`
	File           string `yaml:"file"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxBackups int    `yaml:"file_max_backups"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `yaml:"otlp_endpoint"`
	Insecure bool              `yaml:"otlp_insecure"`
	Headers  map[string]string `yaml:"otlp_headers"`
	Metrics  bool              `yaml:"metrics"`
	Traces   bool              `yaml:"traces"`
}

// Load reads configuration from the supplied path (optional), applies
// environment overrides, then defaults, then validates. An empty path skips
// the file and configures purely from the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Environment variables recognised alongside the config file. These are the
// operational knobs; everything else lives in YAML.
const (
	envMaxTickAge           = "MAX_TICK_AGE_SECONDS"
	envActivationThreshold  = "ACTIVATION_THRESHOLD_PCT"
	envLiquidationThreshold = "LIQUIDATION_THRESHOLD_PCT"
	envLiquidationWorkers   = "LIQUIDATION_WORKERS"
	envVenueHTTPTimeout     = "VENUE_HTTP_TIMEOUT_MS"
	envVenueRetryCap        = "VENUE_RETRY_CAP_MS"
	envBusEndpoint          = "BUS_ENDPOINT"
	envLoanEventsTopic      = "BUS_LOAN_EVENTS_TOPIC"
	envVenueAURL            = "VENUE_A_URL"
	envVenueBURL            = "VENUE_B_URL"
)

func applyEnv(cfg *Config) error {
	if raw, ok := lookupInt(envMaxTickAge); ok {
		if raw <= 0 {
			return fmt.Errorf("%s must be positive", envMaxTickAge)
		}
		cfg.Market.MaxTickAge.Duration = time.Duration(raw) * time.Second
	}
	if raw, ok := lookupInt(envActivationThreshold); ok {
		cfg.Policy.ActivationThresholdPct = raw
	}
	if raw, ok := lookupInt(envLiquidationThreshold); ok {
		cfg.Policy.LiquidationThresholdPct = raw
	}
	if raw, ok := lookupInt(envLiquidationWorkers); ok {
		if raw <= 0 {
			return fmt.Errorf("%s must be positive", envLiquidationWorkers)
		}
		cfg.Liquidation.Workers = raw
	}
	if raw, ok := lookupInt(envVenueHTTPTimeout); ok {
		if raw <= 0 {
			return fmt.Errorf("%s must be positive", envVenueHTTPTimeout)
		}
		cfg.Venues.HTTPTimeout.Duration = time.Duration(raw) * time.Millisecond
	}
	if raw, ok := lookupInt(envVenueRetryCap); ok {
		if raw <= 0 {
			return fmt.Errorf("%s must be positive", envVenueRetryCap)
		}
		cfg.Liquidation.RetryCap.Duration = time.Duration(raw) * time.Millisecond
	}
	if value := strings.TrimSpace(os.Getenv(envBusEndpoint)); value != "" {
		cfg.Bus.Endpoint = value
	}
	if value := strings.TrimSpace(os.Getenv(envLoanEventsTopic)); value != "" {
		cfg.Bus.LoanEventsTopic = value
	}
	if value := strings.TrimSpace(os.Getenv(envVenueAURL)); value != "" {
		cfg.Venues.MosEspaURL = value
	}
	if value := strings.TrimSpace(os.Getenv(envVenueBURL)); value != "" {
		cfg.Venues.BlackSpireURL = value
	}
	return nil
}

func lookupInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "loand.sqlite"
	}
	if cfg.Bus.Endpoint == "" {
		cfg.Bus.Endpoint = "localhost:9092"
	}
	if cfg.Bus.LoanEventsTopic == "" {
		cfg.Bus.LoanEventsTopic = "coruscant-bank-loan-events"
	}
	if cfg.Bus.MosEspaTopic == "" {
		cfg.Bus.MosEspaTopic = "tatooine-mos-espa-prices"
	}
	if cfg.Bus.BlackSpireTopic == "" {
		cfg.Bus.BlackSpireTopic = "batuu-black-spire-outpost-price-stream"
	}
	if cfg.Bus.PublishAttempts <= 0 {
		cfg.Bus.PublishAttempts = 5
	}
	if cfg.Market.MaxTickAge.Duration == 0 {
		cfg.Market.MaxTickAge.Duration = 30 * time.Second
	}
	if cfg.Market.Debounce.Duration == 0 {
		cfg.Market.Debounce.Duration = 250 * time.Millisecond
	}
	if cfg.Policy.ActivationThresholdPct == 0 {
		cfg.Policy.ActivationThresholdPct = 50
	}
	if cfg.Policy.LiquidationThresholdPct == 0 {
		cfg.Policy.LiquidationThresholdPct = 80
	}
	if cfg.Liquidation.Workers <= 0 {
		cfg.Liquidation.Workers = 16
	}
	if cfg.Liquidation.QueueSize <= 0 {
		cfg.Liquidation.QueueSize = 2 * cfg.Liquidation.Workers
	}
	if cfg.Liquidation.LeaseTTL.Duration == 0 {
		cfg.Liquidation.LeaseTTL.Duration = 30 * time.Second
	}
	if cfg.Liquidation.SweepInterval.Duration == 0 {
		cfg.Liquidation.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Liquidation.RetryBase.Duration == 0 {
		cfg.Liquidation.RetryBase.Duration = 500 * time.Millisecond
	}
	if cfg.Liquidation.RetryCap.Duration == 0 {
		cfg.Liquidation.RetryCap.Duration = 30 * time.Second
	}
	if cfg.Venues.HTTPTimeout.Duration == 0 {
		cfg.Venues.HTTPTimeout.Duration = 15 * time.Second
	}
	if cfg.Venues.DialTimeout.Duration == 0 {
		cfg.Venues.DialTimeout.Duration = 5 * time.Second
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg Config) error {
	if cfg.Policy.ActivationThresholdPct <= 0 || cfg.Policy.ActivationThresholdPct > 100 {
		return fmt.Errorf("activation threshold must be in (0, 100]")
	}
	if cfg.Policy.LiquidationThresholdPct <= 0 || cfg.Policy.LiquidationThresholdPct > 100 {
		return fmt.Errorf("liquidation threshold must be in (0, 100]")
	}
	if cfg.Policy.ActivationThresholdPct >= cfg.Policy.LiquidationThresholdPct {
		return fmt.Errorf("activation threshold must sit below the liquidation threshold")
	}
	if cfg.Liquidation.RetryBase.Duration > cfg.Liquidation.RetryCap.Duration {
		return fmt.Errorf("liquidation retry base exceeds cap")
	}
	if cfg.Bus.Endpoint == "" {
		return fmt.Errorf("bus endpoint must be configured")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when BROKERSIM_CONFIG is unset.
const DefaultPath = "config/brokersim.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for brokersim.
type Config struct {
	Storage     Storage     `yaml:"storage"`
	Server      Server      `yaml:"server"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Logging     Logging     `yaml:"logging"`
	Market      Market      `yaml:"market"`
	Fulfillment Fulfillment `yaml:"fulfillment"`
	Maintenance Maintenance `yaml:"maintenance"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Alpaca holds credentials for the Alpaca calendar API. Without a key the
// static calendar is used.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Market configures price data and the static trading calendar.
type Market struct {
	IntradayGranularity string   `yaml:"intraday_granularity"`
	Timezone            string   `yaml:"timezone"`
	Holidays            []string `yaml:"holidays"`
}

// Fulfillment controls the fulfillment pass and its schedule.
type Fulfillment struct {
	MaxWorkers         int    `yaml:"max_workers"`
	FractionalEquities bool   `yaml:"fractional_equities"`
	FundUnitPlaces     int    `yaml:"fund_unit_places"`
	RunAt              string `yaml:"run_at"`
	// Interval, when set, runs passes periodically instead of daily at RunAt.
	Interval time.Duration `yaml:"interval"`
}

// Maintenance configures price data retention.
type Maintenance struct {
	GranularRetentionDays int `yaml:"granular_retention_days"`
	EquityDailyYears      int `yaml:"equity_daily_years"`
	FundDailyYears        int `yaml:"fund_daily_years"`
}

// Default returns the configuration used for fields the file leaves unset.
func Default() *Config {
	return &Config{
		Storage: Storage{DataDir: "data", SQLitePath: "data/brokersim.db"},
		Server:  Server{Host: "127.0.0.1", GRPCPort: 9090, MetricsPort: 9100},
		Alpaca:  Alpaca{BaseURL: "https://paper-api.alpaca.markets"},
		Logging: Logging{Level: "info", Format: "json"},
		Market: Market{
			IntradayGranularity: "1min",
			Timezone:            "America/New_York",
		},
		Fulfillment: Fulfillment{MaxWorkers: 4, FundUnitPlaces: 4, RunAt: "16:30"},
		Maintenance: Maintenance{GranularRetentionDays: 7, EquityDailyYears: 2, FundDailyYears: 3},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path from BROKERSIM_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv("BROKERSIM_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("BROKERSIM_GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = port
		}
	}
	if v := os.Getenv("BROKERSIM_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fulfillment.MaxWorkers = n
		}
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	// Standard Alpaca env vars used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks value ranges and formats.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is required"))
	}
	switch c.Market.IntradayGranularity {
	case "1min", "5min":
	default:
		errs = append(errs, fmt.Errorf("market.intraday_granularity %q: want 1min or 5min", c.Market.IntradayGranularity))
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("market.timezone: %w", err))
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, fmt.Errorf("market.holidays %q: want YYYY-MM-DD", h))
		}
	}
	if c.Fulfillment.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("fulfillment.max_workers %d: must be at least 1", c.Fulfillment.MaxWorkers))
	}
	if c.Fulfillment.FundUnitPlaces < 0 || c.Fulfillment.FundUnitPlaces > 8 {
		errs = append(errs, fmt.Errorf("fulfillment.fund_unit_places %d: must be within 0..8", c.Fulfillment.FundUnitPlaces))
	}
	if c.Fulfillment.Interval < 0 {
		errs = append(errs, errors.New("fulfillment.interval must not be negative"))
	}
	if c.Fulfillment.Interval == 0 {
		if _, err := time.Parse("15:04", c.Fulfillment.RunAt); err != nil {
			errs = append(errs, fmt.Errorf("fulfillment.run_at %q: want HH:MM", c.Fulfillment.RunAt))
		}
	}
	m := c.Maintenance
	if m.GranularRetentionDays < 1 || m.EquityDailyYears < 1 || m.FundDailyYears < 1 {
		errs = append(errs, errors.New("maintenance retention values must be positive"))
	}
	for _, p := range []struct {
		name string
		port int
	}{{"server.grpc_port", c.Server.GRPCPort}, {"server.metrics_port", c.Server.MetricsPort}} {
		if p.port < 0 || p.port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", p.name, p.port))
		}
	}
	return errors.Join(errs...)
}

// GRPCAddr returns the gRPC listen address, or "" when disabled.
func (c *Config) GRPCAddr() string {
	return listenAddr(c.Server.Host, c.Server.GRPCPort)
}

// MetricsAddr returns the metrics listen address, or "" when disabled.
func (c *Config) MetricsAddr() string {
	return listenAddr(c.Server.Host, c.Server.MetricsPort)
}

func listenAddr(host string, port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", strings.TrimSpace(host), port)
}

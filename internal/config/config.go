// Package config defines all configuration for the liquidation engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via LIQ_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cascade   CascadeConfig   `mapstructure:"cascade"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Operator  OperatorConfig  `mapstructure:"operator"`
	Retention RetentionConfig `mapstructure:"retention"`
}

// VenueConfig holds the derivatives venue endpoints and the signed-API
// credentials. Key and Secret should come from LIQ_API_KEY / LIQ_API_SECRET.
type VenueConfig struct {
	RESTBaseURL  string        `mapstructure:"rest_base_url"`
	StreamURL    string        `mapstructure:"stream_url"`     // forceOrder market stream
	UserDataURL  string        `mapstructure:"user_data_url"`  // user-data stream
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	RecvWindowMs int64         `mapstructure:"recv_window_ms"` // default 60000
	Timeout      time.Duration `mapstructure:"timeout"`
	// WeightBufferPct throttles signed calls when observed request weight
	// approaches the venue ceiling. Default 20 (keep a 20% reserve).
	WeightBufferPct float64 `mapstructure:"weight_buffer_pct"`
	WeightCeiling   int     `mapstructure:"weight_ceiling"` // per-minute weight limit
}

// DatabaseConfig holds the Postgres connection. URL comes from LIQ_DATABASE_URL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// CascadeConfig tunes the per-symbol cascade detector.
//
//   - TickInterval: detector cadence (default 10s).
//   - OIRotation: how many symbols get a fresh open-interest fetch per tick.
//   - OIMaxAge: cached OI is consumed until it ages past this (default 60s).
//
// With N tracked symbols the OI refresh cycle is (N/OIRotation)·TickInterval;
// the detector logs that cycle length on start.
type CascadeConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	OIRotation   int           `mapstructure:"oi_rotation"`
	OIMaxAge     time.Duration `mapstructure:"oi_max_age"`
}

// JobsConfig sets the periodic job intervals run by the scheduler.
type JobsConfig struct {
	ExitMonitor     time.Duration `mapstructure:"exit_monitor"`
	ProtectiveSweep time.Duration `mapstructure:"protective_sweep"`
	OrphanSweep     time.Duration `mapstructure:"orphan_sweep"`
	IncomeSync      time.Duration `mapstructure:"income_sync"`
	RetentionSweep  time.Duration `mapstructure:"retention_sweep"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OperatorConfig controls the HTTP control surface.
type OperatorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	PIN     string `mapstructure:"pin"` // required for emergency stop
}

// RetentionConfig bounds the liquidation event log.
type RetentionConfig struct {
	LiquidationDays int `mapstructure:"liquidation_days"` // default 30
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: LIQ_API_KEY, LIQ_API_SECRET,
// LIQ_DATABASE_URL, LIQ_OPERATOR_PIN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("venue.recv_window_ms", 60000)
	v.SetDefault("venue.timeout", 10*time.Second)
	v.SetDefault("venue.weight_buffer_pct", 20.0)
	v.SetDefault("venue.weight_ceiling", 2400)
	v.SetDefault("cascade.tick_interval", 10*time.Second)
	v.SetDefault("cascade.oi_rotation", 3)
	v.SetDefault("cascade.oi_max_age", 60*time.Second)
	v.SetDefault("jobs.exit_monitor", 5*time.Second)
	v.SetDefault("jobs.protective_sweep", 45*time.Second)
	v.SetDefault("jobs.orphan_sweep", 5*time.Minute)
	v.SetDefault("jobs.income_sync", 5*time.Minute)
	v.SetDefault("jobs.retention_sweep", time.Hour)
	v.SetDefault("retention.liquidation_days", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("LIQ_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("LIQ_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	if url := os.Getenv("LIQ_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if pin := os.Getenv("LIQ_OPERATOR_PIN"); pin != "" {
		cfg.Operator.PIN = pin
	}
	if os.Getenv("LIQ_DRY_RUN") == "true" || os.Getenv("LIQ_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.RESTBaseURL == "" {
		return fmt.Errorf("venue.rest_base_url is required")
	}
	if c.Venue.StreamURL == "" {
		return fmt.Errorf("venue.stream_url is required")
	}
	if c.Venue.APIKey == "" {
		return fmt.Errorf("venue.api_key is required (set LIQ_API_KEY)")
	}
	if c.Venue.APISecret == "" {
		return fmt.Errorf("venue.api_secret is required (set LIQ_API_SECRET)")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set LIQ_DATABASE_URL)")
	}
	if c.Venue.RecvWindowMs <= 0 || c.Venue.RecvWindowMs > 60000 {
		return fmt.Errorf("venue.recv_window_ms must be in (0, 60000]")
	}
	if c.Venue.WeightBufferPct < 0 || c.Venue.WeightBufferPct >= 100 {
		return fmt.Errorf("venue.weight_buffer_pct must be in [0, 100)")
	}
	if c.Cascade.TickInterval <= 0 {
		return fmt.Errorf("cascade.tick_interval must be > 0")
	}
	if c.Cascade.OIRotation <= 0 {
		return fmt.Errorf("cascade.oi_rotation must be > 0")
	}
	if c.Operator.Enabled && c.Operator.PIN == "" {
		return fmt.Errorf("operator.pin is required when the control surface is enabled (set LIQ_OPERATOR_PIN)")
	}
	if c.Retention.LiquidationDays <= 0 {
		return fmt.Errorf("retention.liquidation_days must be > 0")
	}
	return nil
}

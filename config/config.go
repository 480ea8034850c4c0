// Package config loads server configuration from the environment.
//
// An optional .env file is loaded first (local development); real
// environment variables always win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/settlement-engine/billing"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds every setting of the settlement server.
type Config struct {
	Port                  string `mapstructure:"PORT"`
	StoreDriver           string `mapstructure:"STORE_DRIVER"`
	SQLitePath            string `mapstructure:"SQLITE_PATH"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	AMQPURL               string `mapstructure:"AMQP_URL"`
	BillingAnchor         string `mapstructure:"BILLING_ANCHOR"`
	BillingPeriodDays     int    `mapstructure:"BILLING_PERIOD_DAYS"`
	SettlementSchedule    string `mapstructure:"SETTLEMENT_SCHEDULE"`
	SchedulerEnabled      bool   `mapstructure:"SCHEDULER_ENABLED"`
	PricingSeedFile       string `mapstructure:"PRICING_SEED_FILE"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	LogFormat             string `mapstructure:"LOG_FORMAT"`
	Currency              string `mapstructure:"CURRENCY"`
	ScheduledDateFallback bool   `mapstructure:"SCHEDULED_DATE_FALLBACK"`
	CORSAllowedOrigins    string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

var keys = []string{
	"PORT", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL", "AMQP_URL",
	"BILLING_ANCHOR", "BILLING_PERIOD_DAYS", "SETTLEMENT_SCHEDULE",
	"SCHEDULER_ENABLED", "PRICING_SEED_FILE", "LOG_LEVEL", "LOG_FORMAT",
	"CURRENCY", "SCHEDULED_DATE_FALLBACK", "CORS_ALLOWED_ORIGINS",
}

func defaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "settlement.db")
	v.SetDefault("BILLING_ANCHOR", billing.DefaultAnchor.Format(time.RFC3339))
	v.SetDefault("BILLING_PERIOD_DAYS", 14)
	v.SetDefault("SETTLEMENT_SCHEDULE", "5 0 * * *") // daily, 00:05 UTC
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("CURRENCY", string(billing.CurrencyGBP))
	v.SetDefault("SCHEDULED_DATE_FALLBACK", true)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
}

// Load reads .env files (if present) and the environment.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromViper(viper.New())
}

// FromViper binds the environment into v and decodes it.
func FromViper(v *viper.Viper) (Config, error) {
	defaults(v)
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if _, err := c.Calendar(); err != nil {
		return err
	}
	return nil
}

// Calendar builds the billing calendar from BILLING_ANCHOR and
// BILLING_PERIOD_DAYS.
func (c Config) Calendar() (billing.Calendar, error) {
	anchor, err := time.Parse(time.RFC3339, c.BillingAnchor)
	if err != nil {
		return billing.Calendar{}, fmt.Errorf("BILLING_ANCHOR: %w", err)
	}
	cal := billing.Calendar{
		Anchor: anchor.UTC(),
		Length: time.Duration(c.BillingPeriodDays) * billing.Day,
	}
	if err := cal.Validate(); err != nil {
		return billing.Calendar{}, fmt.Errorf("BILLING_PERIOD_DAYS: %w", err)
	}
	return cal, nil
}

// Classifier returns the inspection classifier configured by
// SCHEDULED_DATE_FALLBACK.
func (c Config) Classifier() billing.Classifier {
	return billing.Classifier{ScheduledDateFallback: c.ScheduledDateFallback}
}

func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

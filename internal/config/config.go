// Package config loads the exchange configuration. Values come from an
// optional YAML file with GUNGNIR_-prefixed environment variables taking
// precedence; the core's own knobs (DECIMAL_PRECISION, FEE_RATE,
// DEFAULT_CURRENCY, MAX_COMMAND_QUEUE) are also honored unprefixed.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"gungnir/internal/money"
)

// Config is the top-level configuration.
type Config struct {
	DecimalPrecision int    `mapstructure:"decimal_precision"`
	FeeRate          string `mapstructure:"fee_rate"`
	DefaultCurrency  string `mapstructure:"default_currency"`
	MaxCommandQueue  int    `mapstructure:"max_command_queue"`

	DBPath    string `mapstructure:"db_path"`
	Listen    string `mapstructure:"listen"`
	LogLevel  string `mapstructure:"log_level"`
	BookDepth int    `mapstructure:"book_depth"`
}

// Load reads configuration from the given file (empty = defaults and
// environment only).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("decimal_precision", 28)
	v.SetDefault("fee_rate", "0.001")
	v.SetDefault("default_currency", "USD")
	v.SetDefault("max_command_queue", 10_000)
	v.SetDefault("db_path", "gungnir.db")
	v.SetDefault("listen", "0.0.0.0:9001")
	v.SetDefault("log_level", "info")
	v.SetDefault("book_depth", 20)

	v.SetEnvPrefix("GUNGNIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The core's documented knobs bind without the prefix too.
	v.BindEnv("decimal_precision", "DECIMAL_PRECISION")
	v.BindEnv("fee_rate", "FEE_RATE")
	v.BindEnv("default_currency", "DEFAULT_CURRENCY")
	v.BindEnv("max_command_queue", "MAX_COMMAND_QUEUE")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.DecimalPrecision <= 0 {
		return errors.New("decimal_precision must be positive")
	}
	if c.MaxCommandQueue <= 0 {
		return errors.New("max_command_queue must be positive")
	}
	fee, err := money.FromString(c.FeeRate)
	if err != nil {
		return fmt.Errorf("fee_rate: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThan(money.FromInt(1)) {
		return errors.New("fee_rate must be within [0,1]")
	}
	if c.DefaultCurrency == "" {
		return errors.New("default_currency must be set")
	}
	return nil
}

// Fee returns the parsed fee rate. Validate has already run.
func (c *Config) Fee() money.Money {
	return money.MustFromString(c.FeeRate)
}

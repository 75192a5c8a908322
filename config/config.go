// Package config loads blend engine settings from blend.yaml and BLEND_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/blend-engine/optimizer"
	"github.com/warp/blend-engine/quality"
)

// EnvPrefix scopes environment overrides: http.port -> BLEND_HTTP_PORT.
const EnvPrefix = "BLEND"

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	DB         DBConfig         `mapstructure:"db"`
	Log        LogConfig        `mapstructure:"log"`
	Allocation AllocationConfig `mapstructure:"allocation"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Fiscal     FiscalConfig     `mapstructure:"fiscal"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AllocationConfig struct {
	UnitWeightKg  float64 `mapstructure:"unit_weight_kg"`
	UnitsPerBatch int     `mapstructure:"units_per_batch"`
}

type LedgerConfig struct {
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

type OptimizerConfig struct {
	SwapWindow      int     `mapstructure:"swap_window"`
	MaxSwapTrials   int     `mapstructure:"max_swap_trials"`
	MaxForcedSearch int     `mapstructure:"max_forced_search"`
	SecondaryWeight float64 `mapstructure:"secondary_weight"`
}

type FiscalConfig struct {
	StartMonth int `mapstructure:"start_month"`
}

func setDefaults(v *viper.Viper) {
	d := optimizer.DefaultOptions()
	v.SetDefault("http.port", 8080)
	v.SetDefault("db.path", "./data/blend.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("allocation.unit_weight_kg", 25.0)
	v.SetDefault("allocation.units_per_batch", d.UnitsPerBatch)
	v.SetDefault("ledger.retention_window", "48h")
	v.SetDefault("optimizer.swap_window", d.SwapWindow)
	v.SetDefault("optimizer.max_swap_trials", d.MaxSwapTrials)
	v.SetDefault("optimizer.max_forced_search", d.MaxForcedSearch)
	v.SetDefault("optimizer.secondary_weight", d.SecondaryWeight)
	v.SetDefault("fiscal.start_month", 1)
}

// Load reads path if given, otherwise blend.yaml from the working directory
// or /etc/blend-engine. A missing default file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("blend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/blend-engine")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Allocation.UnitWeightKg <= 0 {
		errs = append(errs, fmt.Errorf("allocation.unit_weight_kg must be positive"))
	}
	if c.Allocation.UnitsPerBatch <= 0 {
		errs = append(errs, fmt.Errorf("allocation.units_per_batch must be positive"))
	}
	if c.Ledger.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("ledger.retention_window must be positive"))
	}
	if c.Optimizer.SecondaryWeight < 0 {
		errs = append(errs, fmt.Errorf("optimizer.secondary_weight must not be negative"))
	}
	if err := c.FiscalYear().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// OptimizerOptions maps settings onto optimizer.Options.
func (c Config) OptimizerOptions() optimizer.Options {
	opts := optimizer.DefaultOptions()
	opts.UnitsPerBatch = c.Allocation.UnitsPerBatch
	opts.SwapWindow = c.Optimizer.SwapWindow
	opts.MaxSwapTrials = c.Optimizer.MaxSwapTrials
	opts.MaxForcedSearch = c.Optimizer.MaxForcedSearch
	opts.SecondaryWeight = c.Optimizer.SecondaryWeight
	return opts
}

func (c Config) UnitWeight() decimal.Decimal {
	return decimal.NewFromFloat(c.Allocation.UnitWeightKg)
}

func (c Config) FiscalYear() quality.FiscalYearConfig {
	return quality.FiscalYearConfig{StartMonth: time.Month(c.Fiscal.StartMonth)}
}

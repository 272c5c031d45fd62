// Package config loads the contest engine configuration from an optional
// YAML file, applies defaults and environment overrides, and validates it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/contest-engine/internal/instrument"
)

// Config is the full process configuration.
type Config struct {
	Server struct {
		Port         string        `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	LogLevel string `yaml:"log_level"`

	Dataset struct {
		Path  string `yaml:"path"`  // CSV file
		Table string `yaml:"table"` // PostgreSQL table, used when Path is empty
	} `yaml:"dataset"`

	Contest struct {
		InitialCapital decimal.Decimal `yaml:"initial_capital"`
		Speed          float64         `yaml:"speed"`
		TickInterval   time.Duration   `yaml:"tick_interval"`
		LiquidateLongs bool            `yaml:"liquidate_longs"`
		MergeShorts    bool            `yaml:"merge_shorts"`
		Timeframes     []string        `yaml:"timeframes"`
	} `yaml:"contest"`

	Cache struct {
		Capacity          int           `yaml:"capacity"`
		CandleCapacity    int           `yaml:"candle_capacity"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		PressureInterval  time.Duration `yaml:"pressure_interval"`
		MemoryThresholdMB uint64        `yaml:"memory_threshold_mb"`
	} `yaml:"cache"`

	Risk struct {
		MaxPositionValue decimal.Decimal `yaml:"max_position_value"` // zero disables the cap
		OrdersPerSecond  float64         `yaml:"orders_per_second"`  // zero disables throttling
		Burst            int             `yaml:"burst"`
	} `yaml:"risk"`

	Hub struct {
		MailboxSize int `yaml:"mailbox_size"`
	} `yaml:"hub"`

	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Load reads the YAML file at path (if non-empty), applies defaults and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("DATASET_PATH"); v != "" {
		c.Dataset.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CONTEST_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Contest.Speed = f
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Dataset.Path == "" && (c.Dataset.Table == "" || c.DatabaseURL == "") {
		errs = append(errs, errors.New("dataset.path or dataset.table with database_url is required"))
	}
	if !c.Contest.InitialCapital.IsPositive() {
		errs = append(errs, errors.New("contest.initial_capital must be positive"))
	}
	if c.Contest.Speed <= 0 {
		errs = append(errs, errors.New("contest.speed must be positive"))
	}
	if c.Contest.TickInterval <= 0 {
		errs = append(errs, errors.New("contest.tick_interval must be positive"))
	}
	if _, err := instrument.ParseTimeframes(c.Contest.Timeframes); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Capacity < 10 {
		errs = append(errs, errors.New("cache.capacity must be at least 10"))
	}
	if c.Cache.CandleCapacity < 10 {
		errs = append(errs, errors.New("cache.candle_capacity must be at least 10"))
	}
	if c.Risk.MaxPositionValue.IsNegative() {
		errs = append(errs, errors.New("risk.max_position_value must not be negative"))
	}
	if c.Risk.OrdersPerSecond < 0 {
		errs = append(errs, errors.New("risk.orders_per_second must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DBDriver    string `mapstructure:"DB_DRIVER"`
	DBPath      string `mapstructure:"DB_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	LockTimeout            time.Duration `mapstructure:"LOCK_TIMEOUT"`
	WeekStart              string        `mapstructure:"WEEK_START"`
	BiweeklyAnchor         string        `mapstructure:"BIWEEKLY_ANCHOR"`
	DepletionWarningRatio  float64       `mapstructure:"DEPLETION_WARNING_RATIO"`
	DepletionCriticalRatio float64       `mapstructure:"DEPLETION_CRITICAL_RATIO"`

	SweepEnabled  bool          `mapstructure:"SWEEP_ENABLED"`
	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`

	TimelyFilingDays int `mapstructure:"TIMELY_FILING_DAYS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DB_DRIVER", "DB_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS",
	"LOCK_TIMEOUT", "WEEK_START", "BIWEEKLY_ANCHOR", "DEPLETION_WARNING_RATIO", "DEPLETION_CRITICAL_RATIO",
	"SWEEP_ENABLED", "SWEEP_INTERVAL",
	"TIMELY_FILING_DAYS",
}

// Load reads defaults, then .env (if present), then the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_PATH", "./data/ledger.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("WEEK_START", "monday")
	v.SetDefault("BIWEEKLY_ANCHOR", generic.DefaultBiweeklyAnchor.String())
	v.SetDefault("DEPLETION_WARNING_RATIO", 0.50)
	v.SetDefault("DEPLETION_CRITICAL_RATIO", 0.25)
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("TIMELY_FILING_DAYS", 90)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper may or may not have split the list already; either way entries
	// keep the spaces around each comma until they are trimmed here.
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// Validate checks the settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required when DB_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max >= 1", c.DBMinConns, c.DBMaxConns)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be %q, %q or %q, got %q", DriverSQLite, DriverPostgres, DriverMemory, c.DBDriver)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if _, err := generic.ParseWeekday(c.WeekStart); err != nil {
		return fmt.Errorf("WEEK_START: %w", err)
	}
	if _, err := generic.ParseDate(c.BiweeklyAnchor); err != nil {
		return fmt.Errorf("BIWEEKLY_ANCHOR must be YYYY-MM-DD: %w", err)
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	if c.SweepEnabled && c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive when SWEEP_ENABLED is true")
	}
	if c.TimelyFilingDays < 1 {
		return fmt.Errorf("TIMELY_FILING_DAYS must be at least 1, got %d", c.TimelyFilingDays)
	}
	return nil
}

// Thresholds builds the depletion thresholds from the two ratios.
func (c *Config) Thresholds() (ledger.Thresholds, error) {
	t, err := ledger.NewThresholds(c.DepletionWarningRatio, c.DepletionCriticalRatio)
	if err != nil {
		return ledger.Thresholds{}, fmt.Errorf("DEPLETION_*_RATIO: %w", err)
	}
	return t, nil
}

func (c *Config) Weekday() time.Weekday {
	d, err := generic.ParseWeekday(c.WeekStart)
	if err != nil {
		return time.Monday
	}
	return d
}

func (c *Config) Anchor() generic.TimePoint {
	tp, err := generic.ParseDate(c.BiweeklyAnchor)
	if err != nil {
		return generic.DefaultBiweeklyAnchor
	}
	return tp
}

// Logger builds the process logger: JSON to stdout, or the console writer in
// development.
func (c *Config) Logger() zerolog.Logger {
	return c.loggerTo(os.Stdout)
}

func (c *Config) loggerTo(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if c.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

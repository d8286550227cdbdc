package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource        string        `mapstructure:"DB_SOURCE"`
	StoreDriver     string        `mapstructure:"STORE_DRIVER"`
	Port            string        `mapstructure:"SERVER_PORT"`
	Env             string        `mapstructure:"ENVIRONMENT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	RunMigrations   bool          `mapstructure:"RUN_MIGRATIONS"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	TxTimeout       time.Duration `mapstructure:"TX_TIMEOUT"`
	LockTimeout     time.Duration `mapstructure:"LOCK_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	RawOpening      string        `mapstructure:"OPENING_BALANCE"`
	RawSeedUsers    string        `mapstructure:"SEED_USERS"`
	SweepSchedule   string        `mapstructure:"IDEMPOTENCY_SWEEP_SCHEDULE"`
	KeyStaleAfter   time.Duration `mapstructure:"IDEMPOTENCY_STALE_AFTER"`
	KeyTTL          time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	OpeningBalance decimal.Decimal `mapstructure:"-"`
	SeedUsers      []string        `mapstructure:"-"`
}

var keys = []string{
	"DB_SOURCE", "STORE_DRIVER", "SERVER_PORT", "ENVIRONMENT", "LOG_LEVEL",
	"RUN_MIGRATIONS", "DB_MAX_CONNS", "TX_TIMEOUT", "LOCK_TIMEOUT",
	"SHUTDOWN_TIMEOUT", "OPENING_BALANCE", "SEED_USERS",
	"IDEMPOTENCY_SWEEP_SCHEDULE", "IDEMPOTENCY_STALE_AFTER", "IDEMPOTENCY_TTL",
}

// Load reads the environment, falling back to an optional .env file in path
// and then to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("TX_TIMEOUT", "5s")
	v.SetDefault("LOCK_TIMEOUT", "2s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("OPENING_BALANCE", "1000.00")
	v.SetDefault("IDEMPOTENCY_SWEEP_SCHEDULE", "@every 10m")
	v.SetDefault("IDEMPOTENCY_STALE_AFTER", "15m")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DBSource) == "" {
			return errors.New("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	opening, err := decimal.NewFromString(strings.TrimSpace(c.RawOpening))
	if err != nil {
		return fmt.Errorf("invalid OPENING_BALANCE %q: %w", c.RawOpening, err)
	}
	if opening.IsNegative() {
		return fmt.Errorf("OPENING_BALANCE must not be negative, got %s", opening)
	}
	if opening.GreaterThan(domain.MaxAmount) {
		return fmt.Errorf("OPENING_BALANCE must not exceed %s, got %s", domain.MaxAmount, opening)
	}
	c.OpeningBalance = opening

	c.SeedUsers = nil
	for _, name := range strings.Split(c.RawSeedUsers, ",") {
		if name = strings.TrimSpace(name); name != "" {
			c.SeedUsers = append(c.SeedUsers, name)
		}
	}

	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.TxTimeout <= 0 || c.LockTimeout <= 0 {
		return errors.New("TX_TIMEOUT and LOCK_TIMEOUT must be positive")
	}
	if c.KeyStaleAfter <= c.TxTimeout {
		return fmt.Errorf("IDEMPOTENCY_STALE_AFTER (%s) must exceed TX_TIMEOUT (%s)", c.KeyStaleAfter, c.TxTimeout)
	}
	return nil
}

// IsDevelopment reports whether human-readable logs are wanted.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "local"
}

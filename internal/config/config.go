// Package config loads fundrails settings from an optional config file and
// FUNDRAILS_* environment variables, in that order of precedence reversed:
// environment wins over file, file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fundrails/internal/amount"

	"github.com/spf13/viper"
)

const envPrefix = "FUNDRAILS"

type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Chain    ChainConfig
	Funding  FundingConfig
	Scanner  ScannerConfig
	Sweeper  SweeperConfig
	Log      LogConfig
}

type ServiceConfig struct {
	Env               string
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	DLQPath           string
	ShutdownTimeout   time.Duration
}

// DatabaseConfig selects the ledger store: memory, sqlite (DSN is a file
// path) or postgres (DSN is a connection URL).
type DatabaseConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Enabled    bool
	Addr       string
	Password   string
	DB         int
	LockExpiry time.Duration
}

// ChainConfig points at the token and collection address. An empty RPCURL
// runs against the in-memory fake chain.
type ChainConfig struct {
	RPCURL            string
	TokenContract     string
	TokenDecimals     int
	CollectionAddress string
	Confirmations     uint64
	BlockSpan         uint64
	RequestsPerSecond float64
	MaxRetries        int
	RetryBackoff      time.Duration
}

type FundingConfig struct {
	Min         amount.Units
	Max         amount.Units
	Step        amount.Units
	MaxDelta    amount.Units
	MaxAttempts int
	IntentTTL   time.Duration
}

type ScannerConfig struct {
	Interval        time.Duration
	Lookback        time.Duration
	SeedHeightLag   uint64
	PageSize        int
	MaxPages        int
	QuarantineAfter int
}

type SweeperConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.env", "development")
	v.SetDefault("service.http_port", 8080)
	v.SetDefault("service.hmac_secret", "")
	v.SetDefault("service.hmac_clock_skew", time.Minute)
	v.SetDefault("service.idempotency_window", 24*time.Hour)
	v.SetDefault("service.dlq_path", "./data/dlq")
	v.SetDefault("service.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/fundrails.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_expiry", 2*time.Minute)

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.token_contract", "")
	v.SetDefault("chain.token_decimals", 6)
	v.SetDefault("chain.collection_address", "")
	v.SetDefault("chain.confirmations", 12)
	v.SetDefault("chain.block_span", 2000)
	v.SetDefault("chain.requests_per_second", 10.0)
	v.SetDefault("chain.max_retries", 3)
	v.SetDefault("chain.retry_backoff", 500*time.Millisecond)

	v.SetDefault("funding.min", "30")
	v.SetDefault("funding.max", "20000")
	v.SetDefault("funding.step", "0.00000001")
	v.SetDefault("funding.max_delta", "0.01")
	v.SetDefault("funding.max_attempts", 100)
	v.SetDefault("funding.intent_ttl", 10*time.Minute)

	v.SetDefault("scanner.interval", 15*time.Second)
	v.SetDefault("scanner.lookback", 2*time.Minute)
	v.SetDefault("scanner.seed_height_lag", 40)
	v.SetDefault("scanner.page_size", 200)
	v.SetDefault("scanner.max_pages", 50)
	v.SetDefault("scanner.quarantine_after", 0)

	v.SetDefault("sweeper.interval", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
}

// Load reads configuration. When path is empty, fundrails.{yaml,json,toml}
// is looked up in ., ./config and /etc/fundrails and may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fundrails")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fundrails")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Service: ServiceConfig{
			Env:               v.GetString("service.env"),
			HTTPPort:          v.GetInt("service.http_port"),
			HMACSecret:        v.GetString("service.hmac_secret"),
			HMACClockSkew:     v.GetDuration("service.hmac_clock_skew"),
			IdempotencyWindow: v.GetDuration("service.idempotency_window"),
			DLQPath:           v.GetString("service.dlq_path"),
			ShutdownTimeout:   v.GetDuration("service.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			DSN:    v.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Enabled:    v.GetBool("redis.enabled"),
			Addr:       v.GetString("redis.addr"),
			Password:   v.GetString("redis.password"),
			DB:         v.GetInt("redis.db"),
			LockExpiry: v.GetDuration("redis.lock_expiry"),
		},
		Chain: ChainConfig{
			RPCURL:            v.GetString("chain.rpc_url"),
			TokenContract:     v.GetString("chain.token_contract"),
			TokenDecimals:     v.GetInt("chain.token_decimals"),
			CollectionAddress: v.GetString("chain.collection_address"),
			Confirmations:     v.GetUint64("chain.confirmations"),
			BlockSpan:         v.GetUint64("chain.block_span"),
			RequestsPerSecond: v.GetFloat64("chain.requests_per_second"),
			MaxRetries:        v.GetInt("chain.max_retries"),
			RetryBackoff:      v.GetDuration("chain.retry_backoff"),
		},
		Funding: FundingConfig{
			MaxAttempts: v.GetInt("funding.max_attempts"),
			IntentTTL:   v.GetDuration("funding.intent_ttl"),
		},
		Scanner: ScannerConfig{
			Interval:        v.GetDuration("scanner.interval"),
			Lookback:        v.GetDuration("scanner.lookback"),
			SeedHeightLag:   v.GetUint64("scanner.seed_height_lag"),
			PageSize:        v.GetInt("scanner.page_size"),
			MaxPages:        v.GetInt("scanner.max_pages"),
			QuarantineAfter: v.GetInt("scanner.quarantine_after"),
		},
		Sweeper: SweeperConfig{
			Interval: v.GetDuration("sweeper.interval"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
	}

	for key, dst := range map[string]*amount.Units{
		"funding.min":       &cfg.Funding.Min,
		"funding.max":       &cfg.Funding.Max,
		"funding.step":      &cfg.Funding.Step,
		"funding.max_delta": &cfg.Funding.MaxDelta,
	} {
		u, err := amount.Parse(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = u
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536, "service.http_port must be between 1 and 65535")
	check(c.Service.HMACClockSkew > 0, "service.hmac_clock_skew must be positive")
	check(c.Service.IdempotencyWindow > 0, "service.idempotency_window must be positive")
	check(c.Service.DLQPath != "", "service.dlq_path is required")
	if c.IsProduction() {
		check(c.Service.HMACSecret != "", "service.hmac_secret is required in production")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		check(c.Database.DSN != "", "database.dsn is required for "+c.Database.Driver)
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be memory, sqlite or postgres", c.Database.Driver))
	}

	if c.Redis.Enabled {
		check(c.Redis.Addr != "", "redis.addr is required when redis is enabled")
		check(c.Redis.LockExpiry > 0, "redis.lock_expiry must be positive")
	}

	check(c.Chain.CollectionAddress != "", "chain.collection_address is required")
	if c.Chain.RPCURL != "" {
		check(c.Chain.TokenContract != "", "chain.token_contract is required with chain.rpc_url")
	}
	check(c.Chain.TokenDecimals >= 0, "chain.token_decimals must not be negative")

	check(c.Funding.Min > 0 && c.Funding.Max >= c.Funding.Min, "funding.min must be positive and not above funding.max")
	check(c.Funding.Step > 0, "funding.step must be positive")
	check(c.Funding.MaxDelta >= 0, "funding.max_delta must not be negative")
	check(c.Funding.MaxAttempts >= 0, "funding.max_attempts must not be negative")
	check(c.Funding.IntentTTL > 0, "funding.intent_ttl must be positive")

	check(c.Scanner.Interval > 0, "scanner.interval must be positive")
	check(c.Scanner.Lookback >= 0, "scanner.lookback must not be negative")
	check(c.Scanner.PageSize > 0, "scanner.page_size must be positive")
	check(c.Scanner.MaxPages > 0, "scanner.max_pages must be positive")
	check(c.Scanner.QuarantineAfter >= 0, "scanner.quarantine_after must not be negative")
	check(c.Sweeper.Interval > 0, "sweeper.interval must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Service.Env, "production")
}

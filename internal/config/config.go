package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Config holds server configuration read from the environment.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":50051"`

	TokenSecret    string `env:"TOKEN_SECRET_KEY"`
	TokenAlgorithm string `env:"TOKEN_ALGORITHM" envDefault:"HS256"`

	LedgerDriver string `env:"LEDGER_DRIVER" envDefault:"sqlite"`
	MySQLDSN     string `env:"MYSQL_DSN" envDefault:"root:root@tcp(localhost:3306)/drones?parseTime=true"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"drones.db"`

	TelemetryDriver string `env:"TELEMETRY_DRIVER" envDefault:"memory"`
	RedisAddr       string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Sessions without a scan for longer than this are closed by the sweep.
	SessionIdleTimeoutSeconds   int `env:"SESSION_IDLE_TIMEOUT_SECONDS" envDefault:"300"`
	SessionSweepIntervalSeconds int `env:"SESSION_SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	StoreTimeoutMS              int `env:"STORE_TIMEOUT_MS" envDefault:"5000"`
	OutboxSize                  int `env:"OPERATOR_OUTBOX_SIZE" envDefault:"64"`

	Log LogConfig `envPrefix:"LOG_"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TokenSecret == "" {
		errs = append(errs, errors.New("TOKEN_SECRET_KEY is required"))
	}
	switch c.TokenAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		// the resolver only holds a shared secret
		errs = append(errs, fmt.Errorf("unsupported TOKEN_ALGORITHM %q, want HS256, HS384 or HS512", c.TokenAlgorithm))
	}
	switch c.LedgerDriver {
	case DriverMySQL, DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver))
	}
	switch c.TelemetryDriver {
	case DriverRedis, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown TELEMETRY_DRIVER %q", c.TelemetryDriver))
	}
	if c.SessionIdleTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT_SECONDS must be positive"))
	}
	if c.SessionSweepIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL_SECONDS must be positive"))
	}
	if c.StoreTimeoutMS <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT_MS must be positive"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("OPERATOR_OUTBOX_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSeconds) * time.Second
}

func (c Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.SessionSweepIntervalSeconds) * time.Second
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

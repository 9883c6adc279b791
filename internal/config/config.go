// Package config loads the node binary's configuration from environment
// variables (with optional .env convenience for development). The fabric
// core never sees this package: cmd/rlbnode resolves a Config and hands
// fully-populated option structs down.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all node configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Pool identity
	PoolID string `env:"RLB_POOL_ID" envDefault:"global"`

	// Datastore
	StoreBackend  string `env:"RLB_STORE" envDefault:"redis"` // redis or memory
	RedisAddr     string `env:"RLB_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"RLB_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"RLB_REDIS_DB" envDefault:"0"`

	// Fabric timings
	ReportInterval  time.Duration `env:"RLB_REPORT_INTERVAL" envDefault:"30s"`
	RPCTimeout      time.Duration `env:"RLB_RPC_TIMEOUT" envDefault:"15s"`
	ReservationHold time.Duration `env:"RLB_RESERVATION_HOLD" envDefault:"10s"`
	AutoDestroy     time.Duration `env:"RLB_AUTO_DESTROY_INTERVAL" envDefault:"10s"`

	// Scheduler
	Concurrency int `env:"RLB_CONCURRENCY" envDefault:"1"`

	// Demo room workload
	RoomAddr  string `env:"RLB_ROOM_ADDR" envDefault:":3010"`
	RoomSeats int    `env:"RLB_ROOM_SEATS" envDefault:"4"`

	// Monitoring
	MetricsAddr     string        `env:"RLB_METRICS_ADDR" envDefault:":9095"`
	MetricsInterval time.Duration `env:"RLB_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real
	// environment variables and has no file.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.StoreBackend != "redis" && c.StoreBackend != "memory" {
		return fmt.Errorf("RLB_STORE must be redis or memory, got %q", c.StoreBackend)
	}
	if c.StoreBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("RLB_REDIS_ADDR is required with the redis store")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("RLB_CONCURRENCY must be > 0, got %d", c.Concurrency)
	}
	if c.RoomSeats < 1 {
		return fmt.Errorf("RLB_ROOM_SEATS must be > 0, got %d", c.RoomSeats)
	}
	if c.ReportInterval < time.Second {
		return fmt.Errorf("RLB_REPORT_INTERVAL must be >= 1s, got %s", c.ReportInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the resolved configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("pool_id", c.PoolID).
		Str("store", c.StoreBackend).
		Str("redis_addr", c.RedisAddr).
		Dur("report_interval", c.ReportInterval).
		Dur("rpc_timeout", c.RPCTimeout).
		Dur("reservation_hold", c.ReservationHold).
		Dur("auto_destroy_interval", c.AutoDestroy).
		Int("concurrency", c.Concurrency).
		Str("room_addr", c.RoomAddr).
		Int("room_seats", c.RoomSeats).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Node configuration loaded")
}
